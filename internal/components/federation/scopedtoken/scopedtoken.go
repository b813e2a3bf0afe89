// Package scopedtoken issues and verifies the EdDSA-signed JWTs a hub hands
// to approved spokes. A valid token is necessary but not sufficient: the hub
// re-checks its registry on every use.
package scopedtoken

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/crypto"
)

// TokenType is the value of the type claim.
const TokenType = "federation_scope"

// Leeway tolerates clock skew between hub and spoke.
const Leeway = 30 * time.Second

var (
	ErrInvalid = errors.New("invalid scoped token")
	ErrExpired = errors.New("scoped token expired")
)

// Claims is the verified content of a scoped token.
type Claims struct {
	Subject   string    `json:"sub"`
	Issuer    string    `json:"iss"`
	Audience  string    `json:"aud"`
	TeamID    string    `json:"teamId"`
	Scope     []string  `json:"scope"`
	ID        string    `json:"jti"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// HasScope reports whether the token grants capability.
func (c *Claims) HasScope(capability string) bool {
	return slices.Contains(c.Scope, capability)
}

type privateClaims struct {
	TeamID string   `json:"teamId"`
	Scope  []string `json:"scope"`
	Type   string   `json:"type"`
}

// Issuer signs tokens with the server key. Issuer host goes into iss.
type Issuer struct {
	signer jose.Signer
	host   string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(key *crypto.SigningKey, host string, ttl time.Duration) (*Issuer, error) {
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", key.KeyID)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: key.PrivateKey}, opts)
	if err != nil {
		return nil, fmt.Errorf("scopedtoken: signer: %w", err)
	}
	return &Issuer{signer: signer, host: host, ttl: ttl, now: time.Now}, nil
}

// WithClock replaces the time source. Tests only.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs a token for subject at audience. Issuer, jti and times are
// filled in here; values set on c are ignored.
func (i *Issuer) Issue(c Claims) (string, time.Time, error) {
	if c.Subject == "" || c.Audience == "" || c.TeamID == "" || len(c.Scope) == 0 {
		return "", time.Time{}, fmt.Errorf("%w: sub, aud, teamId and scope are required", ErrInvalid)
	}
	jti, err := uuid.NewV7()
	if err != nil {
		return "", time.Time{}, err
	}
	now := i.now().UTC().Truncate(time.Second)
	exp := now.Add(i.ttl)
	std := jwt.Claims{
		Issuer:    i.host,
		Subject:   c.Subject,
		Audience:  jwt.Audience{c.Audience},
		Expiry:    jwt.NewNumericDate(exp),
		NotBefore: jwt.NewNumericDate(now),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        jti.String(),
	}
	priv := privateClaims{TeamID: c.TeamID, Scope: c.Scope, Type: TokenType}
	token, err := jwt.Signed(i.signer).Claims(std).Claims(priv).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("scopedtoken: sign: %w", err)
	}
	return token, exp, nil
}

// Verifier checks tokens issued by host with the given public key.
type Verifier struct {
	key  ed25519.PublicKey
	host string
	now  func() time.Time
}

func NewVerifier(key ed25519.PublicKey, host string) *Verifier {
	return &Verifier{key: key, host: host, now: time.Now}
}

// WithClock replaces the time source. Tests only.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

func (v *Verifier) Verify(token string) (*Claims, error) {
	return v.VerifyAt(token, v.now())
}

// VerifyAt verifies signature, issuer, type, required claims and time bounds at now.
func (v *Verifier) VerifyAt(token string, now time.Time) (*Claims, error) {
	std, priv, err := v.parse(token)
	if err != nil {
		return nil, err
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Issuer: v.host, Time: now}, Leeway); err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return toClaims(std, priv), nil
}

// VerifyExpiredWithin accepts a token that is valid or expired by at most grace.
func (v *Verifier) VerifyExpiredWithin(token string, grace time.Duration) (*Claims, error) {
	now := v.now()
	c, err := v.VerifyAt(token, now)
	if !errors.Is(err, ErrExpired) {
		return c, err
	}
	std, priv, err := v.parse(token)
	if err != nil {
		return nil, err
	}
	if now.After(std.Expiry.Time().Add(grace)) {
		return nil, ErrExpired
	}
	// Still check issuer and not-before at the moment of expiry.
	if err := std.ValidateWithLeeway(jwt.Expected{Issuer: v.host, Time: std.Expiry.Time().Add(-time.Second)}, Leeway); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return toClaims(std, priv), nil
}

func (v *Verifier) parse(token string) (*jwt.Claims, *privateClaims, error) {
	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var std jwt.Claims
	var priv privateClaims
	if err := tok.Claims(v.key, &std, &priv); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch {
	case priv.Type != TokenType:
		return nil, nil, fmt.Errorf("%w: type %q", ErrInvalid, priv.Type)
	case std.Subject == "", priv.TeamID == "", len(priv.Scope) == 0, len(std.Audience) == 0:
		return nil, nil, fmt.Errorf("%w: missing sub, teamId, scope or aud", ErrInvalid)
	case std.Expiry == nil:
		return nil, nil, fmt.Errorf("%w: missing exp", ErrInvalid)
	}
	return &std, &priv, nil
}

func toClaims(std *jwt.Claims, priv *privateClaims) *Claims {
	c := &Claims{
		Subject:   std.Subject,
		Issuer:    std.Issuer,
		Audience:  std.Audience[0],
		TeamID:    priv.TeamID,
		Scope:     priv.Scope,
		ID:        std.ID,
		ExpiresAt: std.Expiry.Time(),
	}
	if std.IssuedAt != nil {
		c.IssuedAt = std.IssuedAt.Time()
	}
	return c
}
