package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store"
)

// DefaultSessionTTL is how long a login stays valid.
const DefaultSessionTTL = 24 * time.Hour

// Session represents an active user session.
type Session struct {
	Token     string    `json:"token" gorm:"primaryKey"`
	UserID    string    `json:"user_id" gorm:"index;not null"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at" gorm:"index"`
}

func (Session) TableName() string { return "sessions" }

// IsExpiredAt reports whether the session is past its expiry at now.
func (s *Session) IsExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return s.IsExpiredAt(time.Now())
}

// SessionRepo provides session storage operations.
type SessionRepo interface {
	Create(ctx context.Context, userID string, ttl time.Duration) (*Session, error)

	// Get retrieves a session by token. Returns ErrSessionNotFound or ErrSessionExpired.
	Get(ctx context.Context, token string) (*Session, error)

	// Delete removes a session (logout).
	Delete(ctx context.Context, token string) error

	DeleteExpired(ctx context.Context) (int64, error)
}

// GenerateToken creates a cryptographically secure random token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GormSessionRepo stores sessions through GORM.
type GormSessionRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormSessionRepo(db *gorm.DB) *GormSessionRepo {
	return &GormSessionRepo{db: db, now: time.Now}
}

// WithClock replaces the time source. Tests only.
func (r *GormSessionRepo) WithClock(now func() time.Time) *GormSessionRepo {
	r.now = now
	return r
}

func (r *GormSessionRepo) Create(ctx context.Context, userID string, ttl time.Duration) (*Session, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := r.now().UTC()
	s := &Session{Token: token, UserID: userID, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

func (r *GormSessionRepo) Get(ctx context.Context, token string) (*Session, error) {
	var s Session
	err := store.MapError(r.db.WithContext(ctx).Where("token = ?", token).First(&s).Error)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.IsExpiredAt(r.now()) {
		return nil, ErrSessionExpired
	}
	return &s, nil
}

func (r *GormSessionRepo) Delete(ctx context.Context, token string) error {
	return r.db.WithContext(ctx).Where("token = ?", token).Delete(&Session{}).Error
}

func (r *GormSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", r.now().UTC()).Delete(&Session{})
	return res.RowsAffected, res.Error
}
