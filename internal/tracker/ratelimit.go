package tracker

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateLimit tracks the primary rate limit from response headers and blocks
// requests once the budget is exhausted until the reset time.
type rateLimit struct {
	mu        sync.Mutex
	remaining int
	reset     time.Time
	known     bool
	now       func() time.Time
}

func (r *rateLimit) update(h http.Header) {
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remaining = remaining
	r.reset = time.Unix(reset, 0)
	r.known = true
}

func (r *rateLimit) wait(ctx context.Context) error {
	r.mu.Lock()
	if !r.known || r.remaining > 0 {
		r.mu.Unlock()
		return nil
	}
	d := r.reset.Sub(r.now())
	r.mu.Unlock()
	return sleep(ctx, d)
}

// retryAfter derives the backoff for a rate-limited response. Secondary
// limits send Retry-After in seconds; primary limits only the reset time.
func (r *rateLimit) retryAfter(h http.Header) time.Duration {
	if s, err := strconv.Atoi(h.Get("Retry-After")); err == nil && s > 0 {
		return time.Duration(s) * time.Second
	}
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		if d := time.Unix(reset, 0).Sub(r.now()); d > 0 {
			return d
		}
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
