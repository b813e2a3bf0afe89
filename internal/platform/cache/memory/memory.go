// Package memory is the in-process cache driver.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/cache"
)

// Config is the [cache.drivers.memory] section.
type Config struct {
	DefaultTTLSeconds      int `mapstructure:"default_ttl_seconds"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`
}

func init() {
	cache.RegisterDriver("memory", func(raw map[string]any) (cache.CacheWithCounter, error) {
		cfg := Config{DefaultTTLSeconds: 900, CleanupIntervalSeconds: 300}
		if err := mapstructure.WeakDecode(raw, &cfg); err != nil {
			return nil, err
		}
		return New(seconds(cfg.DefaultTTLSeconds), seconds(cfg.CleanupIntervalSeconds)), nil
	})
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

type slot[T any] struct {
	val      T
	deadline time.Time
}

// ttlMap is a map whose entries vanish at their deadline. Callers hold the
// cache lock.
type ttlMap[T any] map[string]slot[T]

func (m ttlMap[T]) lookup(key string, now time.Time) (slot[T], bool) {
	s, ok := m[key]
	if !ok || !now.Before(s.deadline) {
		return s, false
	}
	return s, true
}

func (m ttlMap[T]) sweep(now time.Time) {
	for k, s := range m {
		if !now.Before(s.deadline) {
			delete(m, k)
		}
	}
}

// Cache keeps values and counters in two independent key spaces.
type Cache struct {
	mu       sync.Mutex
	values   ttlMap[[]byte]
	counters ttlMap[int64]
	ttl      time.Duration
	now      func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache. A non-positive TTL passed to Set or Increment falls
// back to defaultTTL; a zero sweepEvery leaves expired keys in place until
// they are overwritten.
func New(defaultTTL, sweepEvery time.Duration) *Cache {
	c := &Cache{
		values:   ttlMap[[]byte]{},
		counters: ttlMap[int64]{},
		ttl:      defaultTTL,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	if sweepEvery > 0 {
		go c.sweepLoop(sweepEvery)
	}
	return c
}

// SetClock replaces the time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Cache) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.mu.Lock()
			now := c.now()
			c.values.sweep(now)
			c.counters.sweep(now)
			c.mu.Unlock()
		}
	}
}

func (c *Cache) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.now().Add(ttl)
}

// Get returns a copy of the value. An entry past its deadline that has not
// been swept yet reports cache.ErrExpired.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, present := c.values[key]; !present {
		return nil, cache.ErrNotFound
	}
	s, live := c.values.lookup(key, c.now())
	if !live {
		return nil, cache.ErrExpired
	}
	return append([]byte(nil), s.val...), nil
}

func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := append([]byte(nil), value...)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = slot[[]byte]{val: v, deadline: c.deadline(ttl)}
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.values, key)
	c.mu.Unlock()
	return nil
}

func (c *Cache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, live := c.values.lookup(key, c.now())
	return live, nil
}

// Increment adds delta to a fixed window counter. The window starts with the
// first increment and is not extended by later ones.
func (c *Cache) Increment(_ context.Context, key string, delta int64, ttl time.Duration) (int64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, live := c.counters.lookup(key, c.now())
	if !live {
		s = slot[int64]{deadline: c.deadline(ttl)}
	}
	s.val += delta
	c.counters[key] = s
	return s.val, s.deadline, nil
}

func (c *Cache) GetCount(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, live := c.counters.lookup(key, c.now()); live {
		return s.val, nil
	}
	return 0, nil
}

func (c *Cache) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.counters, key)
	c.mu.Unlock()
	return nil
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

var _ cache.CacheWithCounter = (*Cache)(nil)
