package tez

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/bundle"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store"
)

// DefaultLimit bounds list queries when the caller passes no limit.
const DefaultLimit = 50

// Models lists the tables owned by this package.
func Models() []any { return []any{&Tez{}, &Recipient{}} }

// Store persists tez and their recipient index.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a store that writes inside tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Create stores t and indexes its recipients. A tez whose id is already
// stored yields ErrExists and nothing is written.
func (s *Store) Create(ctx context.Context, t *Tez) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := store.MapError(tx.Create(t).Error); err != nil {
			return err
		}
		seen := make(map[string]bool, len(t.To))
		rows := make([]Recipient, 0, len(t.To))
		for _, a := range t.To {
			addr := normalizeAddress(a)
			if seen[addr] {
				continue
			}
			seen[addr] = true
			rows = append(rows, Recipient{TezID: t.ID, Address: addr})
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return ErrExists
	}
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*Tez, error) {
	var t Tez
	err := store.MapError(s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Exists reports whether a tez with id is stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Tez{}).Where("id = ?", id).Count(&n).Error
	return n > 0, err
}

// ListForRecipient returns tez addressed to address, newest first.
func (s *Store) ListForRecipient(ctx context.Context, address string, limit int) ([]*Tez, error) {
	var out []*Tez
	err := s.db.WithContext(ctx).
		Joins("JOIN tez_recipients ON tez_recipients.tez_id = tez.id").
		Where("tez_recipients.address = ?", normalizeAddress(address)).
		Order("tez.received_at DESC").
		Limit(clamp(limit)).
		Find(&out).Error
	return out, err
}

// ListForAddress returns tez written by or addressed to address, newest first.
func (s *Store) ListForAddress(ctx context.Context, address string, limit int) ([]*Tez, error) {
	addr := normalizeAddress(address)
	var out []*Tez
	err := s.db.WithContext(ctx).
		Where("tez.from_address = ? OR tez.id IN (?)", addr,
			s.db.Model(&Recipient{}).Select("tez_id").Where("address = ?", addr)).
		Order("tez.received_at DESC").
		Limit(clamp(limit)).
		Find(&out).Error
	return out, err
}

// ListForTeam returns team tez, newest first.
func (s *Store) ListForTeam(ctx context.Context, teamID string, limit int) ([]*Tez, error) {
	var out []*Tez
	err := s.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Order("received_at DESC").
		Limit(clamp(limit)).
		Find(&out).Error
	return out, err
}

// SearchTeam matches q case-insensitively against team tez text and context.
func (s *Store) SearchTeam(ctx context.Context, teamID, q string, limit int) ([]*Tez, error) {
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(q))) + "%"
	var out []*Tez
	err := s.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Where("(LOWER(text) LIKE ? ESCAPE '\\' OR LOWER(context) LIKE ? ESCAPE '\\')", pattern, pattern).
		Order("received_at DESC").
		Limit(clamp(limit)).
		Find(&out).Error
	return out, err
}

// Summary is the short form of a tez used in briefings.
type Summary struct {
	ID              string    `json:"id"`
	From            string    `json:"from"`
	Text            string    `json:"text"`
	Urgency         string    `json:"urgency"`
	ActionRequested string    `json:"actionRequested,omitempty"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

// Briefing digests recent team activity.
type Briefing struct {
	TeamID          string    `json:"teamId"`
	TeamName        string    `json:"teamName,omitempty"`
	Role            string    `json:"role,omitempty"`
	GeneratedAt     time.Time `json:"generatedAt"`
	Total           int64     `json:"total"`
	Urgent          int64     `json:"urgent"`
	ActionRequested []Summary `json:"actionRequested"`
	Recent          []Summary `json:"recent"`
}

// Briefing summarizes a team's tez.
func (s *Store) Briefing(ctx context.Context, teamID string, now time.Time) (*Briefing, error) {
	b := &Briefing{TeamID: teamID, GeneratedAt: now.UTC(), ActionRequested: []Summary{}, Recent: []Summary{}}
	base := s.db.WithContext(ctx).Model(&Tez{}).Where("team_id = ?", teamID)
	if err := base.Session(&gorm.Session{}).Count(&b.Total).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).Where("urgency IN ?", []string{UrgencyHigh, UrgencyCritical}).Count(&b.Urgent).Error; err != nil {
		return nil, err
	}

	var actions []*Tez
	if err := base.Session(&gorm.Session{}).Where("action_requested <> ''").Order("received_at DESC").Limit(10).Find(&actions).Error; err != nil {
		return nil, err
	}
	recent, err := s.ListForTeam(ctx, teamID, 10)
	if err != nil {
		return nil, err
	}
	for _, t := range actions {
		b.ActionRequested = append(b.ActionRequested, summarize(t))
	}
	for _, t := range recent {
		b.Recent = append(b.Recent, summarize(t))
	}
	return b, nil
}

func summarize(t *Tez) Summary {
	return Summary{ID: t.ID, From: t.From, Text: t.Text, Urgency: t.Urgency, ActionRequested: t.ActionRequested, ReceivedAt: t.ReceivedAt}
}

func normalizeAddress(a string) string {
	user, host, err := bundle.SplitAddress(a)
	if err != nil {
		return strings.ToLower(a)
	}
	return bundle.JoinAddress(user, host)
}

func clamp(limit int) int {
	if limit <= 0 || limit > 500 {
		return DefaultLimit
	}
	return limit
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
