package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAdmit_WithinLimit(t *testing.T) {
	l := NewLimiter(Config{Limit: 3, Window: time.Minute}, nil, discardLogger())

	for i := 0; i < 3; i++ {
		if err := l.Admit(context.Background(), "channel:general"); err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
	}
	err := l.Admit(context.Background(), "channel:general")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("4th Admit = %v, want ErrRateLimited", err)
	}
}

func TestAdmit_KeysAreIndependent(t *testing.T) {
	l := NewLimiter(Config{Limit: 1, Window: time.Minute}, nil, discardLogger())

	if err := l.Admit(context.Background(), "dm:alice"); err != nil {
		t.Fatalf("Admit alice: %v", err)
	}
	if err := l.Admit(context.Background(), "dm:bob"); err != nil {
		t.Fatalf("Admit bob should not share alice's bucket: %v", err)
	}
}

func TestAdmit_RejectionsNotCounted(t *testing.T) {
	l := NewLimiter(Config{Limit: 2, Window: 50 * time.Millisecond}, nil, discardLogger())
	ctx := context.Background()

	l.Admit(ctx, "k")
	l.Admit(ctx, "k")
	// Rejections must not extend exhaustion into the next window.
	for i := 0; i < 10; i++ {
		if err := l.Admit(ctx, "k"); !errors.Is(err, ErrRateLimited) {
			t.Fatalf("expected rate limited, got %v", err)
		}
	}

	time.Sleep(60 * time.Millisecond)
	if err := l.Admit(ctx, "k"); err != nil {
		t.Fatalf("Admit after window reset: %v", err)
	}
}

func TestAdmit_Unlimited(t *testing.T) {
	l := NewLimiter(Config{Limit: 0}, nil, discardLogger())
	for i := 0; i < 100; i++ {
		if err := l.Admit(context.Background(), "k"); err != nil {
			t.Fatalf("unlimited Admit: %v", err)
		}
	}
}

func TestAdmit_ConcurrentNeverExceedsLimit(t *testing.T) {
	const limit = 10
	l := NewLimiter(Config{Limit: limit, Window: time.Minute}, nil, discardLogger())

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Admit(context.Background(), "shared"); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Errorf("admitted %d, want exactly %d", admitted, limit)
	}
}

func TestRemaining(t *testing.T) {
	l := NewLimiter(Config{Limit: 5, Window: time.Minute}, nil, discardLogger())
	if got := l.Remaining("k"); got != 5 {
		t.Errorf("fresh Remaining = %d, want 5", got)
	}
	l.Admit(context.Background(), "k")
	l.Admit(context.Background(), "k")
	if got := l.Remaining("k"); got != 3 {
		t.Errorf("Remaining = %d, want 3", got)
	}
}
