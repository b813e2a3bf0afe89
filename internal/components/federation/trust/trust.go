// Package trust keeps the per-remote-server trust state consulted before any
// inbound bundle is accepted and before any outbound delivery is attempted.
package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/hostport"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store"
)

// Level is a remote server's trust level.
type Level string

const (
	// LevelUnknown is returned by Check for hosts with no record.
	LevelUnknown Level = ""
	LevelPending Level = "pending"
	LevelTrusted Level = "trusted"
	LevelBlocked Level = "blocked"
)

var (
	ErrNotFound     = errors.New("trust record not found")
	ErrExists       = errors.New("trust record already exists")
	ErrBlocked      = errors.New("sender host is blocked")
	ErrInvalidLevel = errors.New("invalid trust level")
	ErrInvalidHost  = errors.New("invalid host")
)

// ParseLevel accepts only the three stored levels.
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case LevelPending, LevelTrusted, LevelBlocked:
		return l, nil
	}
	return LevelUnknown, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// Allows reports whether bundles from a host at this level are accepted.
// Unknown and pending hosts are allowed unless requireTrusted is set.
func Allows(level Level, requireTrusted bool) bool {
	switch level {
	case LevelBlocked:
		return false
	case LevelTrusted:
		return true
	default:
		return !requireTrusted
	}
}

// Record is the stored trust state for one remote host.
type Record struct {
	Host       string    `json:"host" gorm:"primaryKey"`
	TrustLevel Level     `json:"trustLevel" gorm:"not null;index"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (Record) TableName() string { return "trust_records" }

// Registry reads and writes trust records. Reads always hit the database.
type Registry struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

// WithClock replaces the time source. Tests only.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Models lists the tables owned by this package.
func Models() []any { return []any{&Record{}} }

func normalize(host string) (string, error) {
	h, err := hostport.Normalize(host, "")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidHost, err)
	}
	return h, nil
}

// Check returns the host's level, or LevelUnknown when there is no record.
func (r *Registry) Check(ctx context.Context, host string) (Level, error) {
	rec, err := r.Get(ctx, host)
	if errors.Is(err, ErrNotFound) {
		return LevelUnknown, nil
	}
	if err != nil {
		return LevelUnknown, err
	}
	return rec.TrustLevel, nil
}

// Admit records contact from host, creating a pending record on first
// contact, and stamps lastSeenAt. A blocked host yields ErrBlocked.
func (r *Registry) Admit(ctx context.Context, host string) (*Record, error) {
	h, err := normalize(host)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	var rec Record
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := Record{Host: h, TrustLevel: LevelPending, LastSeenAt: now, CreatedAt: now, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		if err := tx.Where("host = ?", h).First(&rec).Error; err != nil {
			return store.MapError(err)
		}
		if rec.TrustLevel == LevelBlocked {
			return ErrBlocked
		}
		rec.LastSeenAt = now
		return tx.Model(&Record{}).Where("host = ?", h).Update("last_seen_at", now).Error
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Registry) Get(ctx context.Context, host string) (*Record, error) {
	h, err := normalize(host)
	if err != nil {
		return nil, err
	}
	var rec Record
	err = store.MapError(r.db.WithContext(ctx).Where("host = ?", h).First(&rec).Error)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns all records ordered by host, optionally filtered by level.
func (r *Registry) List(ctx context.Context, level Level) ([]*Record, error) {
	q := r.db.WithContext(ctx).Order("host")
	if level != LevelUnknown {
		q = q.Where("trust_level = ?", level)
	}
	var recs []*Record
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// Create adds a record at the given level.
func (r *Registry) Create(ctx context.Context, host string, level Level) (*Record, error) {
	if _, err := ParseLevel(string(level)); err != nil {
		return nil, err
	}
	h, err := normalize(host)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	rec := &Record{Host: h, TrustLevel: level, CreatedAt: now, UpdatedAt: now}
	err = store.MapError(r.db.WithContext(ctx).Create(rec).Error)
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil, ErrExists
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SetLevel moves an existing record to level. Any transition is allowed to an admin.
func (r *Registry) SetLevel(ctx context.Context, host string, level Level) (*Record, error) {
	if _, err := ParseLevel(string(level)); err != nil {
		return nil, err
	}
	h, err := normalize(host)
	if err != nil {
		return nil, err
	}
	res := r.db.WithContext(ctx).Model(&Record{}).Where("host = ?", h).
		Updates(map[string]any{"trust_level": level, "updated_at": r.now().UTC()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.Get(ctx, h)
}

func (r *Registry) Delete(ctx context.Context, host string) error {
	h, err := normalize(host)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Where("host = ?", h).Delete(&Record{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
