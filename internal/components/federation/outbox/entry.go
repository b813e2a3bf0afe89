// Package outbox is the persistent outbound delivery queue. Each row is one
// (message, target host) pair; a dispatcher drains pending rows with retries.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store"
)

// Status is the delivery state of an entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDelivering Status = "delivering"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

// ErrorTargetBlocked is recorded when the local trust registry blocks the target.
const ErrorTargetBlocked = "TARGET_BLOCKED"

var (
	ErrNotFound      = errors.New("outbox entry not found")
	ErrInvalidStatus = errors.New("invalid outbox status")
	ErrNotFailed     = errors.New("only failed entries can be retried")
)

// ParseStatus accepts the four statuses; "" means any.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case "", StatusPending, StatusDelivering, StatusDelivered, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Entry is one queued delivery of a message to one host.
type Entry struct {
	ID            string     `json:"id" gorm:"primaryKey"`
	MessageID     string     `json:"messageId" gorm:"not null;uniqueIndex:idx_outbox_message_host"`
	TargetHost    string     `json:"targetHost" gorm:"not null;uniqueIndex:idx_outbox_message_host"`
	Status        Status     `json:"status" gorm:"not null;index"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	NextRetryAt   *time.Time `json:"nextRetryAt,omitempty" gorm:"index"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"createdAt" gorm:"index"`

	Payload    []byte     `json:"-" gorm:"not null"`
	ClaimToken string     `json:"-" gorm:"not null;default:''"`
	ClaimedAt  *time.Time `json:"-"`
}

func (Entry) TableName() string { return "outbox_entries" }

// Models lists the tables owned by this package.
func Models() []any { return []any{&Entry{}} }

// Delivery is the payload bound for one host.
type Delivery struct {
	TargetHost string
	Payload    []byte
}

// Queue is the database side of the outbox.
type Queue struct {
	db  *gorm.DB
	now func() time.Time
}

func NewQueue(db *gorm.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// WithTx returns a queue that writes inside tx.
func (q *Queue) WithTx(tx *gorm.DB) *Queue {
	return &Queue{db: tx, now: q.now}
}

// WithClock replaces the time source. Tests only.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue inserts one pending entry per delivery in a single transaction.
// Pairs already queued for messageID are skipped; only new entries are returned.
func (q *Queue) Enqueue(ctx context.Context, messageID string, deliveries []Delivery) ([]*Entry, error) {
	now := q.now().UTC()
	var created []*Entry
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range deliveries {
			e := &Entry{
				ID:         uuid.Must(uuid.NewV7()).String(),
				MessageID:  messageID,
				TargetHost: d.TargetHost,
				Status:     StatusPending,
				Payload:    d.Payload,
				CreatedAt:  now,
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(e)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				created = append(created, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	err := store.MapError(q.db.WithContext(ctx).Where("id = ?", id).First(&e).Error)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns entries newest first, filtered by status unless it is "".
func (q *Queue) List(ctx context.Context, status Status, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	tx := q.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		tx = tx.Where("status = ?", status)
	}
	var out []*Entry
	err := tx.Find(&out).Error
	return out, err
}

// ListByMessage returns all entries for a message.
func (q *Queue) ListByMessage(ctx context.Context, messageID string) ([]*Entry, error) {
	var out []*Entry
	err := q.db.WithContext(ctx).Where("message_id = ?", messageID).Order("target_host").Find(&out).Error
	return out, err
}

// Retry re-arms a failed entry with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) (*Entry, error) {
	res := q.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ? AND status = ?", id, StatusFailed).
		Updates(map[string]any{
			"status":        StatusPending,
			"attempts":      0,
			"error":         "",
			"next_retry_at": nil,
			"claim_token":   "",
			"claimed_at":    nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := q.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotFailed
	}
	return q.Get(ctx, id)
}

// Reclaim returns delivering entries claimed before now-lease to pending.
func (q *Queue) Reclaim(ctx context.Context, lease time.Duration) (int64, error) {
	cutoff := q.now().UTC().Add(-lease)
	res := q.db.WithContext(ctx).Model(&Entry{}).
		Where("status = ? AND claimed_at < ?", StatusDelivering, cutoff).
		Updates(map[string]any{"status": StatusPending, "claim_token": "", "claimed_at": nil})
	return res.RowsAffected, res.Error
}

// Due returns up to limit pending entries whose retry time has come, oldest first.
func (q *Queue) Due(ctx context.Context, limit int) ([]*Entry, error) {
	now := q.now().UTC()
	var out []*Entry
	err := q.db.WithContext(ctx).
		Where("status = ? AND claim_token = '' AND (next_retry_at IS NULL OR next_retry_at <= ?)", StatusPending, now).
		Order("created_at").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Claim marks a pending entry as delivering under a fresh claim token.
// ok is false when another worker got there first.
func (q *Queue) Claim(ctx context.Context, id string) (token string, ok bool, err error) {
	token = uuid.NewString()
	now := q.now().UTC()
	res := q.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ? AND status = ? AND claim_token = ''", id, StatusPending).
		Updates(map[string]any{"status": StatusDelivering, "claim_token": token, "claimed_at": now})
	if res.Error != nil {
		return "", false, res.Error
	}
	return token, res.RowsAffected == 1, nil
}

// finish writes a terminal or retry state. Only the holder of token may write;
// ok is false when the claim was lost (for example reclaimed after the lease).
func (q *Queue) finish(ctx context.Context, id, token string, updates map[string]any) (bool, error) {
	updates["claim_token"] = ""
	updates["claimed_at"] = nil
	res := q.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ? AND claim_token = ?", id, token).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

// release drops a claim without recording an attempt.
func (q *Queue) release(ctx context.Context, id, token string) (bool, error) {
	return q.finish(ctx, id, token, map[string]any{"status": StatusPending})
}

func (q *Queue) markDelivered(ctx context.Context, id, token string, attempts int) (bool, error) {
	now := q.now().UTC()
	return q.finish(ctx, id, token, map[string]any{
		"status":          StatusDelivered,
		"attempts":        attempts,
		"last_attempt_at": now,
		"delivered_at":    now,
		"next_retry_at":   nil,
		"error":           "",
	})
}

func (q *Queue) markRetry(ctx context.Context, id, token string, attempts int, next time.Time, msg string) (bool, error) {
	return q.finish(ctx, id, token, map[string]any{
		"status":          StatusPending,
		"attempts":        attempts,
		"last_attempt_at": q.now().UTC(),
		"next_retry_at":   next.UTC(),
		"error":           msg,
	})
}

func (q *Queue) markFailed(ctx context.Context, id, token string, attempts int, attempted bool, msg string) (bool, error) {
	updates := map[string]any{
		"status":        StatusFailed,
		"attempts":      attempts,
		"next_retry_at": nil,
		"error":         msg,
	}
	if attempted {
		updates["last_attempt_at"] = q.now().UTC()
	}
	return q.finish(ctx, id, token, updates)
}
