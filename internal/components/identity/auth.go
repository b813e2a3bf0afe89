package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

const saltLen = 16

// argonParams are the Argon2id cost settings stored inside every hash.
type argonParams struct {
	time    uint32
	memory  uint32 // KiB
	threads uint8
	keyLen  uint32
}

var (
	defaultParams = argonParams{time: 3, memory: 64 * 1024, threads: 4, keyLen: 32}
	fastParams    = argonParams{time: 1, memory: 16 * 1024, threads: 2, keyLen: 32}
)

// UserAuth hashes and checks passwords with Argon2id in PHC string form:
// $argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>.
type UserAuth struct {
	params argonParams

	dummyOnce sync.Once
	dummy     string
}

func NewUserAuth() *UserAuth { return &UserAuth{params: defaultParams} }

// NewUserAuthFast uses cheap parameters. Tests only.
func NewUserAuthFast() *UserAuth { return &UserAuth{params: fastParams} }

func (a *UserAuth) HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	p := a.params
	key := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
	enc := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads, enc.EncodeToString(salt), enc.EncodeToString(key)), nil
}

type phcHash struct {
	params argonParams
	salt   []byte
	key    []byte
}

func parsePHC(encoded string) (*phcHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return nil, ErrInvalidPassword
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, ErrInvalidPassword
	}
	var h phcHash
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.params.memory, &h.params.time, &h.params.threads); err != nil {
		return nil, ErrInvalidPassword
	}
	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, ErrInvalidPassword
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(h.key) == 0 {
		return nil, ErrInvalidPassword
	}
	h.params.keyLen = uint32(len(h.key))
	return &h, nil
}

// VerifyPassword returns ErrInvalidPassword unless password matches the
// encoded hash. The hash's own parameters are used, not the current ones.
func (a *UserAuth) VerifyPassword(encodedHash, password string) error {
	h, err := parsePHC(encodedHash)
	if err != nil {
		return err
	}
	p := h.params
	got := argon2.IDKey([]byte(password), h.salt, p.time, p.memory, p.threads, p.keyLen)
	if subtle.ConstantTimeCompare(h.key, got) != 1 {
		return ErrInvalidPassword
	}
	return nil
}

// NeedsRehash reports whether encodedHash was made with other parameters
// than the current ones.
func (a *UserAuth) NeedsRehash(encodedHash string) bool {
	h, err := parsePHC(encodedHash)
	return err != nil || h.params != a.params
}

// Authenticate checks a username and password. Unknown users and wrong
// passwords both return ErrInvalidPassword after the same amount of work.
// A hash made with outdated parameters is replaced on success.
func (a *UserAuth) Authenticate(ctx context.Context, repo PartyRepo, username, password string) (*User, error) {
	user, err := repo.GetByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		_ = a.VerifyPassword(a.dummyHash(), password)
		return nil, ErrInvalidPassword
	}
	if err != nil {
		return nil, err
	}
	if err := a.VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, err
	}
	if a.NeedsRehash(user.PasswordHash) {
		if hash, err := a.HashPassword(password); err == nil {
			user.PasswordHash = hash
			// Best effort; the login itself already succeeded.
			_ = repo.Update(ctx, user)
		}
	}
	return user, nil
}

func (a *UserAuth) dummyHash() string {
	a.dummyOnce.Do(func() {
		a.dummy, _ = a.HashPassword("not-a-real-password")
	})
	return a.dummy
}
