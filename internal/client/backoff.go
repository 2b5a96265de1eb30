package client

import (
	"context"
	"time"
)

// Backoff bounds reconnect attempts. Delay grows by Factor from Base and
// never exceeds Max.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:        500 * time.Millisecond,
		Factor:      2,
		Max:         30 * time.Second,
		MaxAttempts: 8,
	}
}

// Delay returns the wait before the given retry. Attempt 0 waits Base.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.Base
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * b.Factor)
		if delay >= b.Max {
			return b.Max
		}
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}

func (b Backoff) withDefaults() Backoff {
	defaults := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = defaults.Base
	}
	if b.Factor < 1 {
		b.Factor = defaults.Factor
	}
	if b.Max <= 0 {
		b.Max = defaults.Max
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = defaults.MaxAttempts
	}
	return b
}

// sleepWithContext waits for d or until ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
