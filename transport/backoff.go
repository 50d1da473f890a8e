package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig tunes reconnect attempts after a lost connection. There is
// no elapsed-time limit: a running adapter retries until it is stopped.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultBackoff is 1s doubling up to 30s.
var DefaultBackoff = BackoffConfig{
	InitialInterval: time.Second,
	MaxInterval:     30 * time.Second,
	Multiplier:      2,
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultBackoff.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultBackoff.MaxInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultBackoff.Multiplier
	}
	return c
}

func (c BackoffConfig) newBackOff() *backoff.ExponentialBackOff {
	c = c.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.Multiplier = c.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sleep waits for the next backoff interval. It returns false when ctx is
// done first.
func sleep(ctx context.Context, b backoff.BackOff) bool {
	timer := time.NewTimer(b.NextBackOff())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// retry runs op until it succeeds or ctx is done, calling notify after each
// failure.
func retry(ctx context.Context, cfg BackoffConfig, op func() error, notify func(error, time.Duration)) error {
	return backoff.RetryNotify(op, backoff.WithContext(cfg.newBackOff(), ctx), notify)
}
