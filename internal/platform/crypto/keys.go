// Package crypto manages the server's Ed25519 signing key.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/go-jose/go-jose/v4"
)

// SigningKey holds the Ed25519 keypair that signs scoped tokens.
type SigningKey struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	KeyID      string // <host>#key-1, carried as the JWS kid
}

// KeyManager owns the server key stored at keyPath.
type KeyManager struct {
	keyPath string
	keyID   string

	mu  sync.RWMutex
	key *SigningKey
}

// NewKeyManager creates a key manager. An empty keyPath keeps the key in
// memory only.
func NewKeyManager(keyPath, host string) *KeyManager {
	return &KeyManager{keyPath: keyPath, keyID: host + "#key-1"}
}

// LoadOrGenerate reads the key file, or generates and writes a key when
// there is none. An unreadable or foreign key file is an error and is left
// alone, since replacing it would void every token already issued.
func (km *KeyManager) LoadOrGenerate() error {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.keyPath != "" {
		priv, err := readPrivateKey(km.keyPath)
		switch {
		case err == nil:
			km.key = km.wrap(priv)
			return nil
		case !errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("failed to load signing key %s: %w", km.keyPath, err)
		}
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate signing key: %w", err)
	}
	if km.keyPath != "" {
		if err := writePrivateKey(km.keyPath, priv); err != nil {
			return fmt.Errorf("failed to save signing key: %w", err)
		}
	}
	km.key = km.wrap(priv)
	return nil
}

func (km *KeyManager) wrap(priv ed25519.PrivateKey) *SigningKey {
	return &SigningKey{PrivateKey: priv, PublicKey: priv.Public().(ed25519.PublicKey), KeyID: km.keyID}
}

// GetSigningKey returns the key, or nil before LoadOrGenerate.
func (km *KeyManager) GetSigningKey() *SigningKey {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.key
}

func (km *KeyManager) GetKeyID() string { return km.keyID }

// GetPublicKeyPEM returns the public key as PKIX PEM, or "" before
// LoadOrGenerate.
func (km *KeyManager) GetPublicKeyPEM() string {
	key := km.GetSigningKey()
	if key == nil {
		return ""
	}
	out, err := encodePublicKey(key.PublicKey)
	if err != nil {
		return ""
	}
	return out
}

// PublicJWK returns the public key as an OKP JWK for EdDSA, or nil before
// LoadOrGenerate.
func (km *KeyManager) PublicJWK() *jose.JSONWebKey {
	key := km.GetSigningKey()
	if key == nil {
		return nil
	}
	return &jose.JSONWebKey{
		Key:       key.PublicKey,
		KeyID:     key.KeyID,
		Algorithm: string(jose.EdDSA),
		Use:       "sig",
	}
}
