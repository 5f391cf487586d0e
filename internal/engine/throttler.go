package engine

import (
	"context"
	"time"

	"github.com/dnsfence/dnsfence/internal/log"
)

const (
	throttleInitialTimeout = 1 * time.Second
	throttleMaxTimeout     = 128 * time.Second
)

// Throttler gates how often a new tunnel session may be established:
// exponential backoff on rapid repeated failures, fast decay after a quiet
// period. Not safe for concurrent use; only the session loop calls it.
type Throttler struct {
	timeout  time.Duration
	lastCall time.Time

	// test hooks
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewThrottler() *Throttler {
	return &Throttler{
		timeout: throttleInitialTimeout,
		now:     time.Now,
		sleep:   contextSleep,
	}
}

// Throttle blocks the caller as needed. The first call returns
// immediately. A call sooner than the current window doubles the window
// (capped) and sleeps off the deficit; a call after more than the maximum
// window resets the window; anything in between decays the window a
// quarter of the way toward the floor without sleeping. Interrupting the
// context (engine stop) aborts the sleep.
func (t *Throttler) Throttle(ctx context.Context) error {
	now := t.now()
	defer func() { t.lastCall = t.now() }()

	if t.lastCall.IsZero() {
		return nil
	}

	elapsed := now.Sub(t.lastCall)
	switch {
	case elapsed < t.timeout:
		deficit := t.timeout - elapsed
		if t.timeout < throttleMaxTimeout {
			t.timeout *= 2
			if t.timeout > throttleMaxTimeout {
				t.timeout = throttleMaxTimeout
			}
		}
		log.Debugf("Throttling session establishment for %s (window now %s)", deficit, t.timeout)
		return t.sleep(ctx, deficit)
	case elapsed > throttleMaxTimeout:
		t.timeout = throttleInitialTimeout
	default:
		t.timeout = throttleInitialTimeout + (t.timeout-throttleInitialTimeout)/4
	}
	return nil
}

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
