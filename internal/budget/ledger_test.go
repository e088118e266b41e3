package budget

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"switchyard/internal/domain"
)

func testLedger(caps Caps) *Ledger {
	return NewLedger(caps, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestReserve_CapEnforcedAtReservationTime(t *testing.T) {
	l := testLedger(Caps{domain.TierPaidLow: 10})
	ctx := context.Background()

	id, err := l.Reserve(ctx, domain.TierPaidLow, 7)
	if err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	if _, err := l.Reserve(ctx, domain.TierPaidLow, 4); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("over-cap Reserve = %v, want ErrBudgetExhausted", err)
	}

	// Releasing frees the headroom again.
	if err := l.Release(ctx, id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := l.Reserve(ctx, domain.TierPaidLow, 4); err != nil {
		t.Fatalf("Reserve after release: %v", err)
	}
}

func TestCommit_ConvertsReservationToSpend(t *testing.T) {
	l := testLedger(Caps{domain.TierPaidHigh: 100})
	ctx := context.Background()

	id, err := l.Reserve(ctx, domain.TierPaidHigh, 10)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := l.Commit(ctx, id, 8.5); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	spent, reserved := l.Spent(domain.TierPaidHigh)
	if spent != 8.5 {
		t.Errorf("spent = %v, want 8.5", spent)
	}
	if reserved != 0 {
		t.Errorf("reserved = %v, want 0", reserved)
	}

	// A second commit on the same reservation is rejected.
	if err := l.Commit(ctx, id, 8.5); !errors.Is(err, ErrUnknownReservation) {
		t.Errorf("double Commit = %v, want ErrUnknownReservation", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	l := testLedger(Caps{domain.TierFree: 5})
	ctx := context.Background()

	id, _ := l.Reserve(ctx, domain.TierFree, 2)
	if err := l.Release(ctx, id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(ctx, id); err != nil {
		t.Fatalf("second Release should be a no-op: %v", err)
	}
	if _, reserved := l.Spent(domain.TierFree); reserved != 0 {
		t.Errorf("reserved = %v, want 0", reserved)
	}
}

func TestReserve_ZeroCapTierAlwaysFails(t *testing.T) {
	l := testLedger(Caps{})
	if _, err := l.Reserve(context.Background(), domain.TierPaidHigh, 0.01); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("Reserve on capless tier = %v, want ErrBudgetExhausted", err)
	}
}

func TestReverse_ExplicitEntryOnly(t *testing.T) {
	l := testLedger(Caps{domain.TierPaidLow: 20})
	ctx := context.Background()

	id, _ := l.Reserve(ctx, domain.TierPaidLow, 10)
	l.Commit(ctx, id, 10)

	month := MonthKey(time.Now())
	if err := l.Reverse(ctx, domain.TierPaidLow, month, 4, "provider refund"); err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	spent, _ := l.Spent(domain.TierPaidLow)
	if spent != 6 {
		t.Errorf("spent after reversal = %v, want 6", spent)
	}

	if err := l.Reverse(ctx, domain.TierPaidLow, month, -1, "bad"); err == nil {
		t.Error("negative reversal amount should be rejected")
	}
}

func TestReserve_ConcurrentNeverExceedsCap(t *testing.T) {
	const cap = 50.0
	l := testLedger(Caps{domain.TierPaidLow: cap})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0.0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := l.Reserve(ctx, domain.TierPaidLow, 1)
			if err != nil {
				return
			}
			if err := l.Commit(ctx, id, 1); err != nil {
				t.Errorf("Commit: %v", err)
				return
			}
			mu.Lock()
			committed++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if committed > cap {
		t.Errorf("committed spend %v exceeds cap %v", committed, cap)
	}
	spent, _ := l.Spent(domain.TierPaidLow)
	if spent > cap {
		t.Errorf("ledger spent %v exceeds cap %v", spent, cap)
	}
}

func TestMonthKey_UTC(t *testing.T) {
	// 23:30 on Jan 31 in UTC-5 is already February in UTC.
	loc := time.FixedZone("utc-5", -5*3600)
	ts := time.Date(2026, 1, 31, 23, 30, 0, 0, loc)
	if got := MonthKey(ts); got != "2026-02" {
		t.Errorf("MonthKey = %q, want 2026-02", got)
	}
}
