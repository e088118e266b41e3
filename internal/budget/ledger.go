// Package budget tracks spend per cost tier against a monthly cap.
//
// Reservation pattern: callers Reserve an estimated cost before invoking a
// paid tier, then Commit the actual cost on success or Release on failure.
// Check-then-reserve is a single atomic step, so concurrent reservations
// against the same (tier, month) can never jointly exceed the cap.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"switchyard/internal/domain"
)

var (
	ErrBudgetExhausted    = errors.New("budget exhausted")
	ErrUnknownReservation = errors.New("unknown reservation")
)

// MonthKey returns the ledger month for a point in time, e.g. "2026-08".
// Always computed in UTC so a month boundary is the same for every caller.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Caps is the per-tier monthly cap table, externally supplied.
// A tier absent from the table has a zero cap: every reservation fails.
type Caps map[domain.Tier]float64

// Entry is one ledger line for a (tier, month). Reversals are explicit
// entries with negative amounts; committed spend is never edited in place.
type Entry struct {
	Amount float64
	Reason string
	At     time.Time
}

// Journal receives committed entries for durable storage and can restore
// per-month totals after a restart. Reservations are deliberately not
// journaled: they are transient and resolve within one invocation.
type Journal interface {
	Record(ctx context.Context, tier domain.Tier, monthKey string, amount float64, reason string) error
	MonthTotals(ctx context.Context) (map[string]float64, error)
}

// Ledger tracks spend in memory, optionally mirrored to a Journal.
// Thread-safe.
type Ledger struct {
	mu           sync.Mutex
	caps         Caps
	months       map[string]*tierMonth
	reservations map[uuid.UUID]*reservation
	journal      Journal // nil = in-memory only
	logger       *slog.Logger
	now          func() time.Time
}

type tierMonth struct {
	spent    float64
	reserved float64
	entries  []Entry
}

type reservation struct {
	tier     domain.Tier
	monthKey string
	amount   float64
	open     bool
}

// NewLedger creates a ledger with the given per-tier caps.
func NewLedger(caps Caps, logger *slog.Logger) *Ledger {
	return &Ledger{
		caps:         caps,
		months:       make(map[string]*tierMonth),
		reservations: make(map[uuid.UUID]*reservation),
		logger:       logger,
		now:          time.Now,
	}
}

// WithJournal attaches durable storage and restores committed totals from
// it. Call at startup, before any reservations.
func (l *Ledger) WithJournal(ctx context.Context, j Journal) (*Ledger, error) {
	totals, err := j.MonthTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("restoring budget totals: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, spent := range totals {
		tm, ok := l.months[key]
		if !ok {
			tm = &tierMonth{}
			l.months[key] = tm
		}
		tm.spent = spent
	}
	l.journal = j
	return l, nil
}

// Reserve atomically checks the cap and holds the estimated cost against it.
// Returns ErrBudgetExhausted if spent + reserved + cost would pass the cap.
func (l *Ledger) Reserve(ctx context.Context, tier domain.Tier, cost float64) (uuid.UUID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	monthKey := MonthKey(l.now())
	cap := l.caps[tier]
	tm := l.getOrCreate(tier, monthKey)

	if tm.spent+tm.reserved+cost > cap {
		l.logger.WarnContext(ctx, "budget reservation refused",
			slog.String("tier", tier.String()),
			slog.String("month", monthKey),
			slog.Float64("cost", cost),
			slog.Float64("spent", tm.spent),
			slog.Float64("reserved", tm.reserved),
			slog.Float64("cap", cap),
		)
		return uuid.Nil, fmt.Errorf("%w: tier %s at $%.4f spent + $%.4f reserved of $%.4f cap for %s",
			ErrBudgetExhausted, tier, tm.spent, tm.reserved, cap, monthKey)
	}

	id := uuid.New()
	tm.reserved += cost
	l.reservations[id] = &reservation{tier: tier, monthKey: monthKey, amount: cost, open: true}

	l.logger.InfoContext(ctx, "budget reserved",
		slog.String("tier", tier.String()),
		slog.String("reservation_id", id.String()),
		slog.Float64("cost", cost),
		slog.Float64("total_reserved", tm.reserved),
	)
	return id, nil
}

// Commit converts a reservation into recorded spend at the actual cost.
// The actual may differ from the estimate; the cap was enforced at
// reservation time and is not re-checked here.
func (l *Ledger) Commit(ctx context.Context, id uuid.UUID, actual float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[id]
	if !ok || !r.open {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, id)
	}
	r.open = false

	tm := l.getOrCreate(r.tier, r.monthKey)
	tm.reserved -= r.amount
	if tm.reserved < 0 {
		tm.reserved = 0
	}
	tm.spent += actual
	tm.entries = append(tm.entries, Entry{Amount: actual, Reason: "commit", At: l.now().UTC()})
	if l.journal != nil {
		if jerr := l.journal.Record(ctx, r.tier, r.monthKey, actual, "commit"); jerr != nil {
			// The spend already happened; losing the durable copy is the
			// lesser failure. Keep the in-memory total authoritative.
			l.logger.ErrorContext(ctx, "budget journal write failed",
				slog.String("tier", r.tier.String()),
				slog.String("error", jerr.Error()),
			)
		}
	}

	l.logger.InfoContext(ctx, "budget committed",
		slog.String("tier", r.tier.String()),
		slog.String("reservation_id", id.String()),
		slog.Float64("actual", actual),
		slog.Float64("total_spent", tm.spent),
	)
	return nil
}

// Release cancels a reservation without recording spend. Idempotent.
func (l *Ledger) Release(ctx context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, id)
	}
	if !r.open {
		return nil
	}
	r.open = false

	tm := l.getOrCreate(r.tier, r.monthKey)
	tm.reserved -= r.amount
	if tm.reserved < 0 {
		tm.reserved = 0
	}

	l.logger.InfoContext(ctx, "budget reservation released",
		slog.String("tier", r.tier.String()),
		slog.String("reservation_id", id.String()),
	)
	return nil
}

// Reverse records an explicit reversal entry against committed spend.
// This is the only way spend ever decreases.
func (l *Ledger) Reverse(ctx context.Context, tier domain.Tier, monthKey string, amount float64, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("reversal amount must be positive, got %.4f", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tm := l.getOrCreate(tier, monthKey)
	tm.spent -= amount
	tm.entries = append(tm.entries, Entry{Amount: -amount, Reason: reason, At: l.now().UTC()})
	if l.journal != nil {
		if jerr := l.journal.Record(ctx, tier, monthKey, -amount, reason); jerr != nil {
			l.logger.ErrorContext(ctx, "budget journal write failed",
				slog.String("tier", tier.String()),
				slog.String("error", jerr.Error()),
			)
		}
	}

	l.logger.InfoContext(ctx, "budget reversal recorded",
		slog.String("tier", tier.String()),
		slog.String("month", monthKey),
		slog.Float64("amount", amount),
		slog.String("reason", reason),
	)
	return nil
}

// Spent returns committed and reserved amounts for the tier's current month.
func (l *Ledger) Spent(tier domain.Tier) (spent, reserved float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tm := l.getOrCreate(tier, MonthKey(l.now()))
	return tm.spent, tm.reserved
}

// Remaining returns cap - spent - reserved for the tier's current month.
func (l *Ledger) Remaining(tier domain.Tier) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	tm := l.getOrCreate(tier, MonthKey(l.now()))
	return l.caps[tier] - tm.spent - tm.reserved
}

func (l *Ledger) getOrCreate(tier domain.Tier, monthKey string) *tierMonth {
	key := tier.String() + "|" + monthKey
	tm, ok := l.months[key]
	if !ok {
		tm = &tierMonth{}
		l.months[key] = tm
	}
	return tm
}
