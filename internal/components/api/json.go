package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// ErrBodyTooLarge is returned by DecodeJSON when the body exceeds its limit.
var ErrBodyTooLarge = errors.New("request body too large")

// DefaultMaxBody caps request bodies for endpoints without their own limit.
const DefaultMaxBody = 1 << 20

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ReadBody reads at most maxBytes from the request body.
func ReadBody(r *http.Request, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// DecodeJSON decodes a bounded request body into dst and writes the error
// response itself on failure. It returns false when the caller should stop.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	data, err := ReadBody(r, DefaultMaxBody)
	if errors.Is(err, ErrBodyTooLarge) {
		WriteError(w, http.StatusRequestEntityTooLarge, ReasonPayloadTooLarge, "request body too large")
		return false
	}
	if err != nil {
		WriteBadRequest(w, ReasonInvalidJSON, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		WriteBadRequest(w, ReasonInvalidJSON, "request body is not valid JSON")
		return false
	}
	return true
}
