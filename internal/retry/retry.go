package retry

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"time"
)

// Config bounds a retry policy.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Retryable    []Kind
}

// DefaultConfig retries transient infrastructure failures once.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  2,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Retryable:    []Kind{KindRateLimited, KindServer, KindTimeout, KindConnectionReset},
	}
}

// BadJSONConfig re-prompts once, without delay, when the oracle returns
// output that does not parse.
func BadJSONConfig() Config {
	return Config{
		MaxAttempts: 2,
		Multiplier:  1,
		Retryable:   []Kind{KindMalformed},
	}
}

// Delay returns the wait before the retry that follows attempt (1-based).
func (c Config) Delay(attempt int) time.Duration {
	mult := c.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := time.Duration(float64(c.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// IsRetryable reports whether err's kind is in the retryable set.
func (c Config) IsRetryable(err error) bool {
	return slices.Contains(c.Retryable, KindOf(err))
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Policy executes operations under a Config.
type Policy struct {
	cfg    Config
	sleep  Sleeper
	logger *slog.Logger
}

// New creates a policy that sleeps on the wall clock.
func New(cfg Config) *Policy {
	return NewWithSleeper(cfg, sleep)
}

// NewWithSleeper creates a policy with a custom sleeper (for testing).
func NewWithSleeper(cfg Config, s Sleeper) *Policy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Policy{cfg: cfg, sleep: s, logger: slog.Default()}
}

// Config returns the policy's configuration.
func (p *Policy) Config() Config { return p.cfg }

// Do runs op until it succeeds, fails with a non-retryable kind, or the
// attempt budget is spent. The returned error is the last attempt's error,
// unchanged.
func Do[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !p.cfg.IsRetryable(err) || attempt >= p.cfg.MaxAttempts {
			if attempt > 1 {
				p.logger.Warn("giving up after retries", "attempts", attempt, "kind", KindOf(err), "error", err)
			}
			return zero, err
		}

		d := p.cfg.Delay(attempt)
		p.logger.Debug("retrying", "attempt", attempt, "kind", KindOf(err), "delay", d)
		if serr := p.sleep(ctx, d); serr != nil {
			return zero, serr
		}
	}
}
