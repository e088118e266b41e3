// Package ratelimit implements per-key fixed-window admission control for
// outbound actions. Thread-safe. No background goroutines; windows roll
// over lazily on each Admit call.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"switchyard/internal/audit"
)

// ErrRateLimited is returned when a key has exhausted its window allowance.
// Callers queue and retry after the window elapses; the limiter itself does
// no retry scheduling.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures one limit class (e.g. channel messages, direct messages).
type Config struct {
	Limit  int           // Admissions per window. 0 = unlimited.
	Window time.Duration // Window length. 0 = one minute.
}

// Limiter admits actions per key within a fixed window.
// Keys are caller-defined, e.g. "channel:general" or "dm:user-7".
// Rejected actions are logged but never counted against the bucket, so a
// burst of rejects cannot starve the next window.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
	auditor *audit.Logger
	logger  *slog.Logger
}

type bucket struct {
	windowStart time.Time
	count       int
}

// NewLimiter creates a limiter. If cfg.Limit is 0, Admit always succeeds.
func NewLimiter(cfg Config, auditor *audit.Logger, logger *slog.Logger) *Limiter {
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		limit:   cfg.Limit,
		window:  window,
		auditor: auditor,
		logger:  logger,
	}
}

// Admit consumes one slot for the key, or returns ErrRateLimited.
// The count resets exactly at each window boundary; a boundary-straddling
// call lands in whichever window contains its arrival time.
func (l *Limiter) Admit(ctx context.Context, key string) error {
	if l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{windowStart: now}
		l.buckets[key] = b
	}
	if now.Sub(b.windowStart) >= l.window {
		b.windowStart = now
		b.count = 0
	}
	if b.count >= l.limit {
		observed := b.count
		retryAt := b.windowStart.Add(l.window)
		l.mu.Unlock()

		l.logger.WarnContext(ctx, "rate limit exceeded",
			slog.String("key", key),
			slog.Int("limit", l.limit),
			slog.Int("observed", observed),
		)
		// Denial context goes to the audit log so the decision can be
		// reconstructed later. An audit failure here is not fatal, the
		// action was denied, not performed.
		if l.auditor != nil {
			_, _ = l.auditor.Append(ctx, audit.Entry{
				Level:   audit.LevelWarn,
				Agent:   audit.AgentRateLimit,
				Action:  "ratelimit.deny",
				Outcome: "denied",
				Note:    audit.NoteKV("key", key, "limit", fmt.Sprint(l.limit), "observed", fmt.Sprint(observed)),
			})
		}
		return fmt.Errorf("%w: key %q at %d/%d until %s", ErrRateLimited, key, observed, l.limit, retryAt.UTC().Format(time.RFC3339))
	}
	b.count++
	l.mu.Unlock()
	return nil
}

// Remaining returns how many admissions the key has left in its current
// window. Purely informational; do not use for check-then-act.
func (l *Limiter) Remaining(key string) int {
	if l.limit <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok || time.Since(b.windowStart) >= l.window {
		return l.limit
	}
	return l.limit - b.count
}
