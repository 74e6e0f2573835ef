// Package pending bounds every wait on a counterparty. A shopper agent
// asking a merchant to countersign a cart, or a processor waiting on an
// issuer response, polls through Await so the wait always ends: with the
// document, with the counterparty's error, or with ErrTimeout.
package pending

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

var (
	// ErrTimeout means the counterparty never answered within the window.
	// It is deliberately distinct from any verification failure: a timed-out
	// chain is retried, an invalid one is not.
	ErrTimeout = errors.New("timed out waiting for counterparty")

	// ErrNotReady is returned (possibly wrapped) by a fetch function to
	// signal the counterparty has not produced the document yet.
	ErrNotReady = errors.New("counterparty response not ready")
)

// Config bounds one wait.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 10
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	return c
}

// Fetch asks the counterparty once. Return ErrNotReady (or a wrap of it) to
// keep polling; any other error aborts the wait and is returned as-is.
type Fetch[T any] func(ctx context.Context) (T, error)

// Await polls fetch until it yields a value, fails hard, or the window
// closes. The attempt budget and the timeout both bound the wait; whichever
// runs out first ends it with ErrTimeout.
func Await[T any](ctx context.Context, cfg Config, fetch Fetch[T]) (T, error) {
	var zero T
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, err := fetch(ctx)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotReady) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if err := sleepWithBackoff(ctx, cfg, attempt); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%w: after %d attempts", ErrTimeout, cfg.MaxAttempts)
}

// sleepWithBackoff waits a jittered exponential delay or until the context
// ends, whichever comes first.
func sleepWithBackoff(ctx context.Context, cfg Config, attempt int) error {
	max := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max > float64(cfg.MaxDelay) {
		max = float64(cfg.MaxDelay)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return err
	}
	timer := time.NewTimer(time.Duration(n.Int64()))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: window closed during backoff", ErrTimeout)
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
