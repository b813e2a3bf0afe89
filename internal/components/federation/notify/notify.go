// Package notify is the sink for federation events. The broker fans events
// out to in-process subscribers such as the /api/events stream.
package notify

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

const (
	EventBundleArrived     = "bundle.arrived"
	EventMembershipChanged = "membership.changed"
)

// Event is handed to the notifier. Users lists the local usernames it concerns;
// an empty list reaches every subscriber.
type Event struct {
	Type  string    `json:"type"`
	Users []string  `json:"-"`
	Data  any       `json:"data"`
	At    time.Time `json:"at"`
}

// Notifier receives events. Notify must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier writes each event to the log at info.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: logutil.NoopIfNil(log)}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) {
	n.log.Info("federation event", "type", ev.Type, "users", ev.Users)
}

// Multi forwards to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}

type subscriber struct {
	user string
	ch   chan Event
}

// Broker delivers events to subscribers by username. Slow subscribers drop
// events rather than stall the sender.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
	log    *slog.Logger
}

func NewBroker(log *slog.Logger) *Broker {
	return &Broker{subs: make(map[int]*subscriber), log: logutil.NoopIfNil(log)}
}

// Subscribe returns a channel of events for user and a cancel func that
// closes it. buffer <= 0 uses 16.
func (b *Broker) Subscribe(user string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	s := &subscriber{user: user, ch: make(chan Event, buffer)}
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *Broker) Notify(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if len(ev.Users) > 0 && !slices.Contains(ev.Users, s.user) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.log.Warn("event dropped for slow subscriber", "type", ev.Type, "user", s.user)
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
