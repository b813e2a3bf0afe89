// Package identity provides local users, sessions and the team directory.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrUserExists           = errors.New("user already exists")
	ErrInvalidPassword      = errors.New("invalid password")
	ErrInvalidUsername      = errors.New("invalid username")
	ErrSessionExpired       = errors.New("session expired")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSuperAdminRoleChange = errors.New("super admin role cannot be changed")
)

const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// User is a local account. Username is the local part of the user's
// federation address (username@host).
type User struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	Username     string    `json:"username" gorm:"uniqueIndex;not null"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role" gorm:"not null;default:user"`
	CreatedAt    time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }

func (u *User) IsAdmin() bool      { return u.Role == RoleAdmin || u.IsSuperAdmin() }
func (u *User) IsSuperAdmin() bool { return u.Role == RoleSuperAdmin }

// UUIDv7 returns a new time-ordered id.
func UUIDv7() string { return uuid.Must(uuid.NewV7()).String() }

// ValidUsername reports whether name can be the local part of an address.
func ValidUsername(name string) bool {
	return name != "" && len(name) <= 64 && !strings.ContainsAny(name, "@/ \t\r\n")
}

// PartyRepo stores local users. Lookups return ErrUserNotFound and Create
// returns ErrUserExists for a taken username.
type PartyRepo interface {
	Create(ctx context.Context, user *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	Update(ctx context.Context, user *User) error
	List(ctx context.Context) ([]*User, error)
}

type GormPartyRepo struct {
	db *gorm.DB
}

func NewGormPartyRepo(db *gorm.DB) *GormPartyRepo { return &GormPartyRepo{db: db} }

// Create fills in ID, Role and CreatedAt when they are empty.
func (r *GormPartyRepo) Create(ctx context.Context, user *User) error {
	if !ValidUsername(user.Username) {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, user.Username)
	}
	if user.ID == "" {
		user.ID = UUIDv7()
	}
	if user.Role == "" {
		user.Role = RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	return translate(r.db.WithContext(ctx).Create(user).Error)
}

func (r *GormPartyRepo) Get(ctx context.Context, id string) (*User, error) {
	return findUser(r.db.WithContext(ctx), "id = ?", id)
}

func (r *GormPartyRepo) GetByUsername(ctx context.Context, username string) (*User, error) {
	return findUser(r.db.WithContext(ctx), "username = ?", username)
}

// Update saves user. The super admin can never be demoted.
func (r *GormPartyRepo) Update(ctx context.Context, user *User) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := findUser(tx, "id = ?", user.ID)
		if err != nil {
			return err
		}
		if current.IsSuperAdmin() && !user.IsSuperAdmin() {
			return ErrSuperAdminRoleChange
		}
		return store.MapError(tx.Save(user).Error)
	})
}

func (r *GormPartyRepo) List(ctx context.Context) ([]*User, error) {
	var users []*User
	err := r.db.WithContext(ctx).Order("username").Find(&users).Error
	return users, store.MapError(err)
}

func findUser(db *gorm.DB, query, arg string) (*User, error) {
	var u User
	if err := translate(db.Where(query, arg).First(&u).Error); err != nil {
		return nil, err
	}
	return &u, nil
}

// translate maps store errors onto the user sentinels.
func translate(err error) error {
	err = store.MapError(err)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrUserNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return ErrUserExists
	}
	return err
}
