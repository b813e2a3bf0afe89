package api

import (
	"net/http"
)

// RequireDeployment rejects requests with 400 WRONG_MODE unless the server's
// deployment is want. Hub endpoints need "team", spoke endpoints "personal".
func RequireDeployment(current, want string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if current != want {
				WriteBadRequest(w, ReasonWrongMode,
					"this endpoint requires deployment \""+want+"\", server runs \""+current+"\"")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
