// Package redis provides a Redis/Valkey cache driver built on valkey-go.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/valkey-io/valkey-go"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/cache"
)

func init() {
	cache.RegisterDriver("redis", func(raw map[string]any) (cache.CacheWithCounter, error) {
		cfg, err := decodeConfig(raw)
		if err != nil {
			return nil, fmt.Errorf("cache.drivers.redis: %w", err)
		}
		return New(cfg)
	})
}

// Config is [cache.drivers.redis]. Durations are given in the units their
// keys name.
type Config struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"-"`
	DefaultTTL  time.Duration `mapstructure:"-"`

	DialTimeoutMS     int `mapstructure:"dial_timeout_ms"`
	DefaultTTLSeconds int `mapstructure:"default_ttl_seconds"`
}

// DefaultConfig points at a local server.
func DefaultConfig() *Config {
	return &Config{
		Addr:        "localhost:6379",
		DialTimeout: 5 * time.Second,
		DefaultTTL:  15 * time.Minute,
	}
}

// decodeConfig lays raw over DefaultConfig. Absent or zero keys keep the
// defaults.
func decodeConfig(raw map[string]any) (*Config, error) {
	cfg := DefaultConfig()
	if err := mapstructure.WeakDecode(raw, cfg); err != nil {
		return nil, err
	}
	if cfg.DialTimeoutMS > 0 {
		cfg.DialTimeout = time.Duration(cfg.DialTimeoutMS) * time.Millisecond
	}
	if cfg.DefaultTTLSeconds > 0 {
		cfg.DefaultTTL = time.Duration(cfg.DefaultTTLSeconds) * time.Second
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	return cfg, nil
}

// incrWindow increments a counter, starts its window on first use and
// reports the remaining TTL in one round trip.
var incrWindow = valkey.NewLuaScript(`
local n = redis.call('INCRBY', KEYS[1], ARGV[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

// Cache is a valkey-backed cache.
type Cache struct {
	client     valkey.Client
	defaultTTL time.Duration
}

// New connects and pings the server, failing fast when it is unreachable.
func New(cfg *Config) (*Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{cfg.Addr},
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
		Dialer:       net.Dialer{Timeout: cfg.DialTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}

	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultConfig().DefaultTTL
	}
	return &Cache{client: client, defaultTTL: ttl}, nil
}

func (c *Cache) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultTTL
	}
	return ttl
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Do(ctx, c.client.B().Get().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, cache.ErrNotFound
	}
	return b, err
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cmd := c.client.B().Set().Key(key).Value(valkey.BinaryString(value)).PxMilliseconds(c.ttl(ttl).Milliseconds()).Build()
	return c.client.Do(ctx, cmd).Error()
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Do(ctx, c.client.B().Del().Key(key).Build()).Error()
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Do(ctx, c.client.B().Exists().Key(key).Build()).AsInt64()
	return n > 0, err
}

func (c *Cache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Time, error) {
	ms := c.ttl(ttl).Milliseconds()
	now := time.Now()
	res, err := incrWindow.Exec(ctx, c.client, []string{key},
		[]string{strconv.FormatInt(delta, 10), strconv.FormatInt(ms, 10)}).ToArray()
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(res) != 2 {
		return 0, time.Time{}, errors.New("redis: unexpected increment reply")
	}
	count, err1 := res[0].AsInt64()
	remaining, err2 := res[1].AsInt64()
	if err := errors.Join(err1, err2); err != nil {
		return 0, time.Time{}, err
	}
	if remaining < 0 {
		remaining = ms
	}
	return count, now.Add(time.Duration(remaining) * time.Millisecond), nil
}

func (c *Cache) GetCount(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Do(ctx, c.client.B().Get().Key(key).Build()).AsInt64()
	if valkey.IsValkeyNil(err) {
		return 0, nil
	}
	return n, err
}

func (c *Cache) Reset(ctx context.Context, key string) error {
	return c.Delete(ctx, key)
}

func (c *Cache) Close() error {
	c.client.Close()
	return nil
}

var _ cache.CacheWithCounter = (*Cache)(nil)
