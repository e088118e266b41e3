package governor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"switchyard/internal/audit"
	"switchyard/internal/budget"
	"switchyard/internal/domain"
	"switchyard/internal/provider"
	"switchyard/internal/ratelimit"
)

// fakeProvider returns scripted outcomes in order, repeating the last one.
type fakeProvider struct {
	name   string
	tier   domain.Tier
	mu     sync.Mutex
	script []func() (*provider.Outcome, error)
	calls  int
	delay  time.Duration
}

func (f *fakeProvider) Name() string      { return f.name }
func (f *fakeProvider) Tier() domain.Tier { return f.tier }

func (f *fakeProvider) TryInvoke(ctx context.Context, _ domain.Task) (*provider.Outcome, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: interrupted", provider.ErrProviderUnavailable)
		}
	}
	f.mu.Lock()
	i := f.calls
	f.calls++
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	step := f.script[i]
	f.mu.Unlock()
	return step()
}

func ok(cost float64) func() (*provider.Outcome, error) {
	return func() (*provider.Outcome, error) {
		return &provider.Outcome{Result: &provider.Result{Output: "done", CostUSD: cost}}, nil
	}
}

func unavailable() func() (*provider.Outcome, error) {
	return func() (*provider.Outcome, error) {
		return nil, fmt.Errorf("%w: connection refused", provider.ErrProviderUnavailable)
	}
}

func escalate(reason string) func() (*provider.Outcome, error) {
	return func() (*provider.Outcome, error) {
		return &provider.Outcome{Escalate: true, Reason: reason}, nil
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type govEnv struct {
	gov    *Governor
	ledger *budget.Ledger
}

func newGovEnv(t *testing.T, caps budget.Caps, providers ...provider.Provider) *govEnv {
	t.Helper()
	logger := discard()
	auditor, err := audit.NewLogger(filepath.Join(t.TempDir(), "audit.log"), logger)
	if err != nil {
		t.Fatalf("audit.NewLogger: %v", err)
	}
	t.Cleanup(func() { auditor.Close() })

	reg := provider.NewRegistry()
	for _, p := range providers {
		if err := reg.Register(p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	table, err := NewTable(nil, domain.TierFree)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	ledger := budget.NewLedger(caps, logger)
	limiter := ratelimit.NewLimiter(ratelimit.Config{}, nil, logger)

	gov := New(reg, table, ledger, limiter, auditor, logger, Config{
		EstimatedCost: map[domain.Tier]float64{domain.TierFree: 0, domain.TierPaidLow: 1, domain.TierPaidHigh: 5},
		InvokeTimeout: time.Second,
	})
	return &govEnv{gov: gov, ledger: ledger}
}

func testTask() domain.Task {
	return domain.Task{
		ID: uuid.New(),
		Event: domain.Event{
			ID: uuid.New(), Source: domain.SourceChat, ActorID: "user-1",
			ActorRole: domain.RoleMember, Text: "summarize the incident",
		},
		Intent: domain.Intent{Label: "dev/summarize", Confidence: 0.95, TargetHandler: "dev"},
	}
}

func defaultCaps() budget.Caps {
	return budget.Caps{domain.TierFree: 100, domain.TierPaidLow: 100, domain.TierPaidHigh: 100}
}

func TestRun_SuccessAtStartTier(t *testing.T) {
	env := newGovEnv(t, defaultCaps(),
		&fakeProvider{name: "loam", tier: domain.TierFree, script: []func() (*provider.Outcome, error){ok(0)}},
		&fakeProvider{name: "mezzo", tier: domain.TierPaidLow, script: []func() (*provider.Outcome, error){ok(1)}},
		&fakeProvider{name: "alto", tier: domain.TierPaidHigh, script: []func() (*provider.Outcome, error){ok(5)}},
	)

	rep, err := env.gov.Run(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Outcome != OutcomeSuccess || rep.TierUsed != domain.TierFree {
		t.Errorf("got %s at %s, want success at free", rep.Outcome, rep.TierUsed)
	}
	if len(rep.Attempts) != 1 {
		t.Errorf("got %d attempts, want 1", len(rep.Attempts))
	}
}

func TestRun_TwoFailuresEscalate(t *testing.T) {
	// Scenario: free tier times out twice, paid-low succeeds.
	env := newGovEnv(t, defaultCaps(),
		&fakeProvider{name: "loam", tier: domain.TierFree, script: []func() (*provider.Outcome, error){unavailable(), unavailable()}},
		&fakeProvider{name: "mezzo", tier: domain.TierPaidLow, script: []func() (*provider.Outcome, error){ok(0.8)}},
		&fakeProvider{name: "alto", tier: domain.TierPaidHigh, script: []func() (*provider.Outcome, error){ok(5)}},
	)

	rep, err := env.gov.Run(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Outcome != OutcomeSuccess || rep.TierUsed != domain.TierPaidLow {
		t.Fatalf("got %s at %s, want success at paid-low", rep.Outcome, rep.TierUsed)
	}

	wantTiers := []domain.Tier{domain.TierFree, domain.TierFree, domain.TierPaidLow}
	wantOutcomes := []AttemptOutcome{AttemptProviderUnavailable, AttemptProviderUnavailable, AttemptSuccess}
	if len(rep.Attempts) != 3 {
		t.Fatalf("got %d attempts, want 3", len(rep.Attempts))
	}
	for i, a := range rep.Attempts {
		if a.Tier != wantTiers[i] || a.Outcome != wantOutcomes[i] {
			t.Errorf("attempt %d = %s/%s, want %s/%s", i, a.Tier, a.Outcome, wantTiers[i], wantOutcomes[i])
		}
	}
	if rep.Attempts[2].TriggerReason != ReasonConsecutiveFailures {
		t.Errorf("escalation reason = %q, want %q", rep.Attempts[2].TriggerReason, ReasonConsecutiveFailures)
	}

	// Ledger: only the successful paid-low call committed spend.
	if spent, _ := env.ledger.Spent(domain.TierPaidLow); spent != 0.8 {
		t.Errorf("paid-low spent = %v, want 0.8", spent)
	}
	if spent, _ := env.ledger.Spent(domain.TierFree); spent != 0 {
		t.Errorf("free spent = %v, want 0", spent)
	}
}

func TestRun_AttemptTiersNonDecreasing(t *testing.T) {
	env := newGovEnv(t, defaultCaps(),
		&fakeProvider{name: "loam", tier: domain.TierFree, script: []func() (*provider.Outcome, error){unavailable()}},
		&fakeProvider{name: "mezzo", tier: domain.TierPaidLow, script: []func() (*provider.Outcome, error){unavailable()}},
		&fakeProvider{name: "alto", tier: domain.TierPaidHigh, script: []func() (*provider.Outcome, error){ok(4)}},
	)

	rep, err := env.gov.Run(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := 1; i < len(rep.Attempts); i++ {
		if rep.Attempts[i].Tier.Rank() < rep.Attempts[i-1].Tier.Rank() {
			t.Fatalf("tier rank decreased at attempt %d: %v", i, rep.Attempts)
		}
	}
	if rep.Outcome != OutcomeSuccess || rep.TierUsed != domain.TierPaidHigh {
		t.Errorf("got %s at %s", rep.Outcome, rep.TierUsed)
	}
}

func TestRun_BudgetExhaustedNeverDowngrades(t *testing.T) {
	// Scenario: paid-high required but at cap; the task surfaces instead of
	// being silently served by a cheaper tier.
	caps := budget.Caps{domain.TierFree: 100, domain.TierPaidLow: 100, domain.TierPaidHigh: 0}
	env := newGovEnv(t, caps,
		&fakeProvider{name: "loam", tier: domain.TierFree, script: []func() (*provider.Outcome, error){ok(0)}},
		&fakeProvider{name: "mezzo", tier: domain.TierPaidLow, script: []func() (*provider.Outcome, error){ok(1)}},
		&fakeProvider{name: "alto", tier: domain.TierPaidHigh, script: []func() (*provider.Outcome, error){ok(5)}},
	)

	task := testTask()
	task.StartTier = domain.TierPaidHigh

	rep, err := env.gov.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Outcome != OutcomeBudgetExhausted {
		t.Fatalf("outcome = %s, want budget_exhausted", rep.Outcome)
	}
	if len(rep.Attempts) != 0 {
		t.Errorf("exhausted tier was attempted anyway: %v", rep.Attempts)
	}
	if rep.Surfaced == "" {
		t.Error("budget exhaustion must be surfaced")
	}
}

func TestRun_TopTierFailureIsTerminal(t *testing.T) {
	env := newGovEnv(t, defaultCaps(),
		&fakeProvider{name: "loam", tier: domain.TierFree, script: []func() (*provider.Outcome, error){ok(0)}},
		&fakeProvider{name: "mezzo", tier: domain.TierPaidLow, script: []func() (*provider.Outcome, error){ok(1)}},
		&fakeProvider{name: "alto", tier: domain.TierPaidHigh, script: []func() (*provider.Outcome, error){unavailable()}},
	)

	task := testTask()
	task.StartTier = domain.TierPaidHigh

	rep, err := env.gov.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Outcome != OutcomeLadderExhausted {
		t.Fatalf("outcome = %s, want ladder_exhausted", rep.Outcome)
	}
	if rep.Surfaced == "" {
		t.Error("ladder exhaustion must be surfaced")
	}
	// Two local tries at the top tier, then stop.
	if len(rep.Attempts) != 2 {
		t.Errorf("got %d attempts, want 2", len(rep.Attempts))
	}
}

func TestRun_VoluntaryEscalationCarriesReason(t *testing.T) {
	env := newGovEnv(t, defaultCaps(),
		&fakeProvider{name: "loam", tier: domain.TierFree, script: []func() (*provider.Outcome, error){escalate(ReasonSecuritySensitive)}},
		&fakeProvider{name: "mezzo", tier: domain.TierPaidLow, script: []func() (*provider.Outcome, error){ok(1)}},
		&fakeProvider{name: "alto", tier: domain.TierPaidHigh, script: []func() (*provider.Outcome, error){ok(5)}},
	)

	rep, err := env.gov.Run(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.TierUsed != domain.TierPaidLow {
		t.Fatalf("tier used = %s, want paid-low", rep.TierUsed)
	}
	// A voluntary escalation skips the local retry.
	if len(rep.Attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(rep.Attempts))
	}
	if rep.Attempts[1].TriggerReason != ReasonSecuritySensitive {
		t.Errorf("trigger reason = %q, want %q", rep.Attempts[1].TriggerReason, ReasonSecuritySensitive)
	}
}

func TestRun_ReasonlessEscalationRejected(t *testing.T) {
	env := newGovEnv(t, defaultCaps(),
		&fakeProvider{name: "loam", tier: domain.TierFree, script: []func() (*provider.Outcome, error){escalate("")}},
		&fakeProvider{name: "mezzo", tier: domain.TierPaidLow, script: []func() (*provider.Outcome, error){ok(1)}},
		&fakeProvider{name: "alto", tier: domain.TierPaidHigh, script: []func() (*provider.Outcome, error){ok(5)}},
	)

	_, err := env.gov.Run(context.Background(), testTask())
	if !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("Run = %v, want ErrReasonRequired", err)
	}
}

func TestRun_TimeoutTreatedAsUnavailable(t *testing.T) {
	slow := &fakeProvider{name: "loam", tier: domain.TierFree, delay: 200 * time.Millisecond,
		script: []func() (*provider.Outcome, error){ok(0)}}
	env := newGovEnv(t, defaultCaps(),
		slow,
		&fakeProvider{name: "mezzo", tier: domain.TierPaidLow, script: []func() (*provider.Outcome, error){ok(1)}},
		&fakeProvider{name: "alto", tier: domain.TierPaidHigh, script: []func() (*provider.Outcome, error){ok(5)}},
	)
	env.gov.cfg.InvokeTimeout = 20 * time.Millisecond

	rep, err := env.gov.Run(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.TierUsed != domain.TierPaidLow {
		t.Fatalf("tier used = %s, want paid-low after timeouts", rep.TierUsed)
	}
	for _, a := range rep.Attempts[:2] {
		if a.Outcome != AttemptProviderUnavailable {
			t.Errorf("timeout attempt outcome = %s, want provider_unavailable", a.Outcome)
		}
	}
}

func TestTable_StartTierLongestPrefixWins(t *testing.T) {
	table, err := NewTable([]Rule{
		{LabelPrefix: "ops/", Tier: domain.TierPaidLow, Reason: ReasonProductionImpact},
		{LabelPrefix: "ops/deploy", Tier: domain.TierPaidHigh, Reason: ReasonStructuralChange},
	}, domain.TierFree)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	tier, reason := table.StartTier(domain.Intent{Label: "ops/deploy-prod"})
	if tier != domain.TierPaidHigh || reason != ReasonStructuralChange {
		t.Errorf("got %s/%s, want paid-high/%s", tier, reason, ReasonStructuralChange)
	}
	tier, _ = table.StartTier(domain.Intent{Label: "ops/restart"})
	if tier != domain.TierPaidLow {
		t.Errorf("got %s, want paid-low", tier)
	}
	tier, reason = table.StartTier(domain.Intent{Label: "chat/hello"})
	if tier != domain.TierFree || reason != ReasonInitialAssignment {
		t.Errorf("got %s/%s, want free/%s", tier, reason, ReasonInitialAssignment)
	}
}

func TestNewTable_RejectsUncheckableReason(t *testing.T) {
	_, err := NewTable([]Rule{{LabelPrefix: "x/", Tier: domain.TierFree, Reason: "because I felt like it"}}, domain.TierFree)
	if err == nil {
		t.Fatal("free-form reason should be rejected")
	}
}
