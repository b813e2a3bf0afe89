package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/trust"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/config"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

// TrustChecker is the read side of the trust registry.
type TrustChecker interface {
	Check(ctx context.Context, host string) (trust.Level, error)
}

// Config tunes the dispatcher.
type Config struct {
	Workers        int
	MaxAttempts    int
	Schedule       Schedule
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	BatchSize      int
	Lease          time.Duration
}

// ConfigFrom converts the [federation.delivery] section.
func ConfigFrom(c config.DeliveryConfig) Config {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return Config{
		Workers:     c.Workers,
		MaxAttempts: c.MaxAttempts,
		Schedule: Schedule{
			Initial:       ms(c.InitialBackoffMS),
			Max:           ms(c.MaxBackoffMS),
			Multiplier:    c.Multiplier,
			Randomization: c.Randomization,
		},
		PollInterval:   ms(c.PollIntervalMS),
		AttemptTimeout: ms(c.AttemptTimeoutMS),
		BatchSize:      c.BatchSize,
		Lease:          time.Duration(c.LeaseSeconds) * time.Second,
	}
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.Schedule.Initial <= 0 {
		c.Schedule.Initial = 30 * time.Second
	}
	if c.Schedule.Max <= 0 {
		c.Schedule.Max = time.Hour
	}
	if c.Schedule.Multiplier < 1 {
		c.Schedule.Multiplier = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 15 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	// The lease must outlive an attempt or the entry is reclaimed mid-flight.
	if c.Lease <= c.AttemptTimeout {
		c.Lease = 2 * c.AttemptTimeout
	}
}

// Dispatcher drains the queue with a pool of workers.
type Dispatcher struct {
	queue     *Queue
	deliverer Deliverer
	trust     TrustChecker
	cfg       Config
	log       *slog.Logger
	wake      chan struct{}
}

func NewDispatcher(queue *Queue, deliverer Deliverer, trust TrustChecker, cfg Config, log *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		queue:     queue,
		deliverer: deliverer,
		trust:     trust,
		cfg:       cfg,
		log:       logutil.NoopIfNil(log),
		wake:      make(chan struct{}, 1),
	}
}

// Wake makes an idle worker poll now instead of at the next tick.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("outbox dispatcher started", "workers", d.cfg.Workers, "poll_interval", d.cfg.PollInterval.String())
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			d.loop(gctx, worker)
			return nil
		})
	}
	err := g.Wait()
	d.log.Info("outbox dispatcher stopped")
	return err
}

func (d *Dispatcher) loop(ctx context.Context, worker int) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := d.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Error("outbox poll failed", "worker", worker, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// ProcessOnce reclaims stale claims, then claims and delivers one batch.
// It returns the number of entries this call delivered or finalized.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (int, error) {
	if n, err := d.queue.Reclaim(ctx, d.cfg.Lease); err != nil {
		return 0, err
	} else if n > 0 {
		d.log.Warn("reclaimed stale outbox claims", "count", n)
	}

	due, err := d.queue.Due(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, e := range due {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		token, ok, err := d.queue.Claim(ctx, e.ID)
		if err != nil {
			return processed, err
		}
		if !ok {
			continue
		}
		if err := d.attempt(ctx, e, token); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (d *Dispatcher) attempt(ctx context.Context, e *Entry, token string) error {
	log := d.log.With("entry_id", e.ID, "message_id", e.MessageID, "target_host", e.TargetHost)

	level, err := d.trust.Check(ctx, e.TargetHost)
	if err != nil {
		// Hand the entry back untouched so the next poll can pick it up.
		if _, rerr := d.queue.release(context.WithoutCancel(ctx), e.ID, token); rerr != nil {
			log.Error("outbox release failed", "error", rerr)
		}
		return err
	}
	if level == trust.LevelBlocked {
		log.Warn("outbox target blocked", "attempts", e.Attempts)
		_, err := d.queue.markFailed(ctx, e.ID, token, e.Attempts, false, ErrorTargetBlocked)
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	derr := d.deliverer.Deliver(attemptCtx, e.TargetHost, e.Payload)
	cancel()
	attempts := e.Attempts + 1

	if derr == nil {
		log.Debug("outbox delivered", "attempts", attempts)
		ok, err := d.queue.markDelivered(ctx, e.ID, token, attempts)
		return d.check(log, ok, err)
	}
	if ctx.Err() != nil {
		// Shutdown mid-attempt; the lease returns the entry to pending.
		return ctx.Err()
	}

	var de *DeliveryError
	permanent := errors.As(derr, &de) && de.Permanent()
	if permanent || attempts >= d.cfg.MaxAttempts {
		log.Warn("outbox delivery failed", "attempts", attempts, "permanent", permanent, "error", derr)
		ok, err := d.queue.markFailed(ctx, e.ID, token, attempts, true, derr.Error())
		return d.check(log, ok, err)
	}

	delay := d.cfg.Schedule.Delay(attempts)
	if de != nil && de.RetryAfter > delay {
		delay = de.RetryAfter
	}
	next := d.queue.now().Add(delay)
	log.Debug("outbox attempt failed", "attempts", attempts, "next_retry_at", next, "error", derr)
	ok, err := d.queue.markRetry(ctx, e.ID, token, attempts, next, derr.Error())
	return d.check(log, ok, err)
}

func (d *Dispatcher) check(log *slog.Logger, ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("outbox claim lost before finalize")
	}
	return nil
}
