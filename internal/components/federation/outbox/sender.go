package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/bundle"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/tez"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

// Waker is notified after new entries are queued.
type Waker interface {
	Wake()
}

// Sender turns a stored tez into one queued bundle per remote host.
type Sender struct {
	queue  *Queue
	origin bundle.Origin
	waker  Waker
	log    *slog.Logger
	now    func() time.Time
}

func NewSender(queue *Queue, origin bundle.Origin, waker Waker, log *slog.Logger) *Sender {
	return &Sender{queue: queue, origin: origin, waker: waker, log: logutil.NoopIfNil(log), now: time.Now}
}

// StoreAndSend runs persist and enqueues t for every remote host among its
// recipients in one transaction. Each bundle's to list holds only that host's
// recipients; local recipients are skipped. A failed enqueue stores nothing.
func (s *Sender) StoreAndSend(ctx context.Context, t *tez.Tez, persist func(tx *gorm.DB) error) ([]*Entry, error) {
	deliveries, err := s.deliveries(t)
	if err != nil {
		return nil, err
	}
	var entries []*Entry
	err = s.queue.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := persist(tx); err != nil {
			return err
		}
		if len(deliveries) == 0 {
			return nil
		}
		var err error
		entries, err = s.queue.WithTx(tx).Enqueue(ctx, t.ID, deliveries)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.queued(t, entries)
	return entries, nil
}

func (s *Sender) deliveries(t *tez.Tez) ([]Delivery, error) {
	hosts, byHost, bad := bundle.GroupByHost(t.To)
	if len(bad) > 0 {
		return nil, fmt.Errorf("outbox: invalid recipients %v", bad)
	}
	full, err := bundle.Create(t.Message(), t.Context, t.From, t.To, s.origin, s.now())
	if err != nil {
		return nil, err
	}

	var deliveries []Delivery
	for _, host := range hosts {
		if host == s.origin.Host {
			continue
		}
		payload, err := full.ForRecipients(byHost[host]).Marshal()
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, Delivery{TargetHost: host, Payload: payload})
	}
	return deliveries, nil
}

// queued wakes the dispatcher once the entries are committed.
func (s *Sender) queued(t *tez.Tez, entries []*Entry) {
	if len(entries) == 0 {
		return
	}
	s.log.Debug("tez queued for federation", "message_id", t.ID, "hosts", len(entries))
	if s.waker != nil {
		s.waker.Wake()
	}
}
