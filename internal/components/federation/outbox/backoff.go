package outbox

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Schedule maps an attempt count to the delay before the next attempt.
type Schedule struct {
	Initial       time.Duration
	Max           time.Duration
	Multiplier    float64
	Randomization float64
}

// Delay returns the wait after the given number of failed attempts (>= 1).
func (s Schedule) Delay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.Initial,
		RandomizationFactor: s.Randomization,
		Multiplier:          s.Multiplier,
		MaxInterval:         s.Max,
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < max(attempts, 1); i++ {
		d = b.NextBackOff()
	}
	return d
}

// parseRetryAfter reads delta-seconds or an HTTP date. Zero means absent.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
