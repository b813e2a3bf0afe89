package wellknown

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/bundle"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/deps"
)

// Discovery is the document peers fetch to learn about this server.
type Discovery struct {
	Provider        string            `json:"provider"`
	Host            string            `json:"host"`
	ServerID        string            `json:"serverId"`
	Deployment      string            `json:"deployment"`
	ProtocolVersion string            `json:"protocolVersion"`
	Endpoints       map[string]string `json:"endpoints"`
	// Capabilities lists what a hub grants in federation tokens. Empty on
	// personal servers.
	Capabilities []string    `json:"capabilities"`
	PublicKeys   []PublicKey `json:"publicKeys,omitempty"`
	// JWKS carries the same key for JOSE libraries.
	JWKS      *jose.JSONWebKeySet `json:"jwks,omitempty"`
	CreatedAt string              `json:"createdAt"`
}

// PublicKey is the server signing key, which verifies the federation tokens
// a hub issues.
type PublicKey struct {
	KeyID        string `json:"keyId"`
	PublicKeyPem string `json:"publicKeyPem"`
	Algorithm    string `json:"algorithm"`
}

type discoveryHandler struct {
	body []byte // static, computed once at init
}

func newDiscoveryHandler(c *Config, d *deps.Deps) *discoveryHandler {
	c.ApplyDefaults()

	disc := Discovery{
		Provider:        c.Provider,
		Host:            d.LocalHost,
		ServerID:        d.Identity.ServerID,
		Deployment:      d.Config.Deployment,
		ProtocolVersion: bundle.ProtocolVersion,
		Endpoints: map[string]string{
			"inbox": "/federation/inbox",
		},
		Capabilities: []string{},
		CreatedAt:    d.Identity.Created.UTC().Format(time.RFC3339),
	}
	if d.Config.IsTeam() {
		disc.Endpoints["approveSpoke"] = "/federation/approve-spoke"
		disc.Endpoints["refreshToken"] = "/federation/refresh-token"
		disc.Endpoints["leaveHub"] = "/federation/leave-hub"
		disc.Endpoints["teamBriefing"] = "/federation/team-briefing"
		disc.Endpoints["teamSearch"] = "/federation/team-search"
		disc.Endpoints["teamTez"] = "/federation/team-tez"
		disc.Capabilities = append(disc.Capabilities, d.Config.Federation.Hub.Capabilities...)
	}
	if d.KeyManager != nil && d.KeyManager.GetSigningKey() != nil {
		disc.PublicKeys = []PublicKey{{
			KeyID:        d.KeyManager.GetKeyID(),
			PublicKeyPem: d.KeyManager.GetPublicKeyPEM(),
			Algorithm:    string(jose.EdDSA),
		}}
		disc.JWKS = &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{*d.KeyManager.PublicJWK()}}
	}

	body, _ := json.Marshal(disc)
	return &discoveryHandler{body: body}
}

func (h *discoveryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	w.Write(h.body)
}
