package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WindowLimiter paces calls to an upstream with a fixed request budget per
// window and a minimum gap between consecutive calls. Waiters are served one
// at a time.
type WindowLimiter struct {
	mu          sync.Mutex
	name        string
	window      time.Duration
	max         int
	minSpacing  time.Duration
	windowStart time.Time
	count       int
	last        time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWindowLimiter returns a limiter allowing max calls per window with at
// least minSpacing between calls.
func NewWindowLimiter(name string, window time.Duration, max int, minSpacing time.Duration) *WindowLimiter {
	if max < 1 {
		max = 1
	}
	return &WindowLimiter{
		name:       name,
		window:     window,
		max:        max,
		minSpacing: minSpacing,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Wait blocks until a call is allowed or ctx is done.
func (l *WindowLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}

	if l.count >= l.max {
		wait := l.windowStart.Add(l.window).Sub(now)
		slog.InfoContext(ctx, "rate window exhausted, waiting for reset",
			"limiter", l.name, "wait", wait, "max", l.max)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
		now = l.now()
		l.windowStart = now
		l.count = 0
	}

	if !l.last.IsZero() {
		if gap := l.minSpacing - now.Sub(l.last); gap > 0 {
			if err := l.sleep(ctx, gap); err != nil {
				return err
			}
			now = l.now()
		}
	}

	l.count++
	l.last = now
	return nil
}

// Remaining returns how many calls are left in the current window.
func (l *WindowLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.windowStart.IsZero() || l.now().Sub(l.windowStart) >= l.window {
		return l.max
	}
	return l.max - l.count
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
