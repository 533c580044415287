// Package retry runs storage operations again when they fail with a
// transient error.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/orangestock/market-engine/internal/model"
)

// Policy bounds the retries of one operation.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy is used for the trade unit of work and history writes.
var DefaultPolicy = Policy{Attempts: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

// Backoff returns BaseDelay * 2^n, capped at MaxDelay.
func (p Policy) Backoff(n int) time.Duration {
	if n < 0 {
		return p.BaseDelay
	}
	if n > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay * time.Duration(1<<n)
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns an error other than
// model.ErrUnavailable, the attempts run out or ctx is done. The last error
// is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !errors.Is(err, model.ErrUnavailable) {
			return err
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(p.Backoff(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
