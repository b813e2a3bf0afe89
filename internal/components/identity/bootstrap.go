package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

const defaultAdminName = "admin"

// Bootstrap seeds local accounts at startup. Every method is safe to run on
// each boot.
type Bootstrap struct {
	repo PartyRepo
	auth *UserAuth
	log  *slog.Logger
}

func NewBootstrap(repo PartyRepo, auth *UserAuth, log *slog.Logger) *Bootstrap {
	return &Bootstrap{repo: repo, auth: auth, log: logutil.NoopIfNil(log)}
}

// EnsureSuperAdmin returns the existing super admin or creates one named
// username. An empty password is replaced by a generated one that is logged
// once. The stored password of an existing super admin is only replaced when
// rotate is true.
func (b *Bootstrap) EnsureSuperAdmin(ctx context.Context, username, password string, rotate bool) (*User, error) {
	existing, err := b.superAdmin(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if rotate && password != "" {
			if err := b.setPassword(ctx, existing, password); err != nil {
				return nil, err
			}
			b.log.Info("super admin password rotated", "username", existing.Username)
		}
		return existing, nil
	}

	if username == "" {
		username = defaultAdminName
	}
	generated := password == ""
	if generated {
		if password, err = randomPassword(); err != nil {
			return nil, err
		}
	}
	u, err := b.create(ctx, &User{Username: username, DisplayName: "Super Administrator", Role: RoleSuperAdmin}, password)
	if err != nil {
		return nil, err
	}
	if generated {
		b.log.Info("super admin created with generated password",
			"username", username, "user_id", u.ID, "password", password)
	} else {
		b.log.Info("super admin created", "username", username, "user_id", u.ID)
	}
	return u, nil
}

// EnsureUser creates username with role (default user) when it is missing.
// created is false when the account already existed.
func (b *Bootstrap) EnsureUser(ctx context.Context, username, password, role string) (u *User, created bool, err error) {
	u, err = b.repo.GetByUsername(ctx, username)
	switch {
	case err == nil:
		return u, false, nil
	case !errors.Is(err, ErrUserNotFound):
		return nil, false, err
	}
	if role == "" {
		role = RoleUser
	}
	if u, err = b.create(ctx, &User{Username: username, DisplayName: username, Role: role}, password); err != nil {
		return nil, false, err
	}
	b.log.Info("created user", "username", username, "role", role)
	return u, true, nil
}

func (b *Bootstrap) superAdmin(ctx context.Context) (*User, error) {
	users, err := b.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.IsSuperAdmin() {
			return u, nil
		}
	}
	return nil, nil
}

func (b *Bootstrap) setPassword(ctx context.Context, u *User, password string) error {
	hash, err := b.auth.HashPassword(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return b.repo.Update(ctx, u)
}

// create fills ID and CreatedAt through the repo.
func (b *Bootstrap) create(ctx context.Context, u *User, password string) (*User, error) {
	hash, err := b.auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = hash
	if err := b.repo.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func randomPassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
