package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"switchyard/internal/audit"
	"switchyard/internal/budget"
	"switchyard/internal/connector"
	"switchyard/internal/domain"
	"switchyard/internal/governor"
	"switchyard/internal/provider"
	"switchyard/internal/ratelimit"
	"switchyard/internal/router"
	"switchyard/internal/warden"
)

// scriptedProvider returns canned outcomes in order, repeating the last.
type scriptedProvider struct {
	name   string
	tier   domain.Tier
	mu     sync.Mutex
	script []func() (*provider.Outcome, error)
	calls  int
}

func (p *scriptedProvider) Name() string      { return p.name }
func (p *scriptedProvider) Tier() domain.Tier { return p.tier }

func (p *scriptedProvider) TryInvoke(context.Context, domain.Task) (*provider.Outcome, error) {
	p.mu.Lock()
	i := p.calls
	p.calls++
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	step := p.script[i]
	p.mu.Unlock()
	return step()
}

func succeed(cost float64) func() (*provider.Outcome, error) {
	return func() (*provider.Outcome, error) {
		return &provider.Outcome{Result: &provider.Result{Output: "done", CostUSD: cost}}, nil
	}
}

func fail() func() (*provider.Outcome, error) {
	return func() (*provider.Outcome, error) {
		return nil, fmt.Errorf("%w: connection refused", provider.ErrProviderUnavailable)
	}
}

type pipelineEnv struct {
	engine    *Engine
	warden    *warden.Warden
	loopback  *connector.Loopback
	auditPath string
}

type envConfig struct {
	caps      budget.Caps
	ttl       time.Duration
	providers []provider.Provider
}

func newPipeline(t *testing.T, cfg envConfig) *pipelineEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	auditPath := filepath.Join(t.TempDir(), "audit.log")
	auditor, err := audit.NewLogger(auditPath, logger)
	if err != nil {
		t.Fatalf("audit.NewLogger: %v", err)
	}
	t.Cleanup(func() { auditor.Close() })

	table, err := router.NewTable("test-1", []router.PatternRule{
		{Patterns: []string{"ban"}, Label: "ops/ban-user", Handler: "ops", Confidence: 0.95},
		{Patterns: []string{"deploy to production"}, Label: "ops/deploy-prod", Handler: "ops", Confidence: 0.92},
		{Patterns: []string{"refactor"}, Label: "dev/refactor", Handler: "dev", Confidence: 0.62},
		{Patterns: []string{"summarize"}, Label: "chat/summarize", Handler: "chat", Confidence: 0.91},
	}, []string{"ops/ban-user", "ops/deploy-prod"})
	if err != nil {
		t.Fatalf("router.NewTable: %v", err)
	}
	sb := router.New(table, 0.80, auditor, logger)

	loopback := connector.NewLoopback(logger)

	if cfg.ttl == 0 {
		cfg.ttl = time.Hour
	}
	w := warden.New(warden.NewMemStore(), cfg.ttl, auditor, nil, logger)

	if cfg.caps == nil {
		cfg.caps = budget.Caps{domain.TierFree: 100, domain.TierPaidLow: 100, domain.TierPaidHigh: 100}
	}
	ledger := budget.NewLedger(cfg.caps, logger)
	limiter := ratelimit.NewLimiter(ratelimit.Config{}, nil, logger)

	reg := provider.NewRegistry()
	for _, p := range cfg.providers {
		if err := reg.Register(p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	trig, err := governor.NewTable(nil, domain.TierFree)
	if err != nil {
		t.Fatalf("governor.NewTable: %v", err)
	}
	gov := governor.New(reg, trig, ledger, limiter, auditor, logger, governor.Config{
		EstimatedCost: map[domain.Tier]float64{domain.TierFree: 0, domain.TierPaidLow: 1, domain.TierPaidHigh: 5},
		InvokeTimeout: time.Second,
	})

	eng := New(sb, w, gov, loopback, auditor, logger)
	for _, h := range []Handler{OpsHandler{}, ModelHandler{Domain: "dev"}, ModelHandler{Domain: "chat"}, ClarifyHandler{}} {
		if err := eng.Register(h); err != nil {
			t.Fatalf("Register handler: %v", err)
		}
	}
	return &pipelineEnv{engine: eng, warden: w, loopback: loopback, auditPath: auditPath}
}

func event(role domain.Role, text string) domain.Event {
	return domain.Event{
		ID: uuid.New(), Source: domain.SourceChat, ActorID: "user-1",
		ActorRole: role, Text: text, Timestamp: time.Now(),
	}
}

func (env *pipelineEnv) auditEntries(t *testing.T) []audit.Entry {
	t.Helper()
	f, err := os.Open(env.auditPath)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()
	entries, err := audit.Read(f)
	if err != nil {
		t.Fatalf("audit.Read: %v", err)
	}
	return entries
}

// A ban from the owner still parks behind approval, and only an explicit
// approval lets the connector act. The log must show pending, approve, and
// execute in that order.
func TestPipeline_DangerousActionGatedEvenForOwner(t *testing.T) {
	env := newPipeline(t, envConfig{})
	ctx := context.Background()

	rec, err := env.engine.HandleEvent(ctx, event(domain.RoleOwner, "please ban @spammer"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if rec.Status != StatusPending || rec.RequestID == "" {
		t.Fatalf("got status=%s request=%q, want pending with request id", rec.Status, rec.RequestID)
	}
	if len(env.loopback.Banned) != 0 {
		t.Fatalf("ban executed before approval: %v", env.loopback.Banned)
	}

	final, err := env.engine.ResolveApproval(ctx, rec.RequestID, warden.DecisionApprove, "admin-1", domain.RoleAdmin)
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if len(env.loopback.Banned) != 1 || env.loopback.Banned[0] != "@spammer" {
		t.Errorf("banned = %v, want [@spammer]", env.loopback.Banned)
	}

	var order []string
	for _, e := range env.auditEntries(t) {
		switch e.Action {
		case audit.ActionApprovalSubmit, audit.ActionApprovalApprove, "task.execute":
			order = append(order, e.Action)
		}
	}
	want := []string{audit.ActionApprovalSubmit, audit.ActionApprovalApprove, "task.execute"}
	if len(order) != len(want) {
		t.Fatalf("audit actions = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("audit actions = %v, want %v", order, want)
		}
	}
}

// Sub-threshold confidence forces review even for a harmless label.
func TestPipeline_LowConfidenceForcesReview(t *testing.T) {
	env := newPipeline(t, envConfig{providers: []provider.Provider{
		&scriptedProvider{name: "loam", tier: domain.TierFree, script: []func() (*provider.Outcome, error){succeed(0)}},
	}})
	ctx := context.Background()

	rec, err := env.engine.HandleEvent(ctx, event(domain.RoleMember, "refactor the billing module"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if rec.Status != StatusPending {
		t.Fatalf("status = %s, want pending", rec.Status)
	}

	req, err := env.warden.Get(ctx, rec.RequestID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	found := false
	for _, r := range req.Intent.Reasons {
		if r == router.ReviewLowConfidence {
			found = true
		}
	}
	if !found {
		t.Errorf("reasons = %v, want to include %q", req.Intent.Reasons, router.ReviewLowConfidence)
	}

	final, err := env.engine.ResolveApproval(ctx, rec.RequestID, warden.DecisionApprove, "owner-1", domain.RoleOwner)
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if final.Status != StatusCompleted || final.Output != "done" {
		t.Errorf("got status=%s output=%q, want completed/done", final.Status, final.Output)
	}
}

// Two consecutive failures at the start tier escalate one rung; the cheap
// tier's failures stay on the record.
func TestPipeline_EscalatesAfterConsecutiveFailures(t *testing.T) {
	env := newPipeline(t, envConfig{providers: []provider.Provider{
		&scriptedProvider{name: "loam", tier: domain.TierFree, script: []func() (*provider.Outcome, error){fail(), fail()}},
		&scriptedProvider{name: "mezzo", tier: domain.TierPaidLow, script: []func() (*provider.Outcome, error){succeed(1)}},
	}})

	rec, err := env.engine.HandleEvent(context.Background(), event(domain.RoleMember, "summarize the incident"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
	if rec.Report == nil || rec.Report.TierUsed != domain.TierPaidLow {
		t.Fatalf("report = %+v, want success at paid-low", rec.Report)
	}
	if got := len(rec.Report.Attempts); got != 3 {
		t.Fatalf("attempts = %d, want 3 (two failures, one success)", got)
	}
	last := rec.Report.Attempts[2]
	if last.TriggerReason != governor.ReasonConsecutiveFailures {
		t.Errorf("trigger reason = %q, want %q", last.TriggerReason, governor.ReasonConsecutiveFailures)
	}
}

// An exhausted budget surfaces to the caller instead of silently retrying
// on a cheaper tier.
func TestPipeline_BudgetExhaustedSurfaces(t *testing.T) {
	env := newPipeline(t, envConfig{
		caps: budget.Caps{domain.TierFree: 100}, // paid tiers capped at zero
		providers: []provider.Provider{
			&scriptedProvider{name: "loam", tier: domain.TierFree, script: []func() (*provider.Outcome, error){fail(), fail()}},
			&scriptedProvider{name: "mezzo", tier: domain.TierPaidLow, script: []func() (*provider.Outcome, error){succeed(1)}},
		},
	})

	rec, err := env.engine.HandleEvent(context.Background(), event(domain.RoleMember, "summarize the incident"))
	if err == nil {
		t.Fatal("HandleEvent succeeded, want surfaced budget failure")
	}
	if rec == nil || rec.Status != StatusFailed {
		t.Fatalf("receipt = %+v, want failed", rec)
	}
	if rec.Report.Outcome != governor.OutcomeBudgetExhausted {
		t.Errorf("outcome = %s, want budget_exhausted", rec.Report.Outcome)
	}
	if rec.Report.Surfaced == "" {
		t.Error("surfaced reason is empty")
	}
}

// Expiry is terminal, distinct from denial, and never executes the action.
func TestPipeline_ExpiredApprovalNeverExecutes(t *testing.T) {
	env := newPipeline(t, envConfig{ttl: 10 * time.Millisecond})
	ctx := context.Background()

	rec, err := env.engine.HandleEvent(ctx, event(domain.RoleOwner, "ban @spammer"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	time.Sleep(25 * time.Millisecond)

	n, err := env.warden.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}

	if _, err := env.engine.ResolveApproval(ctx, rec.RequestID, warden.DecisionApprove, "admin-1", domain.RoleAdmin); !errors.Is(err, warden.ErrAlreadyResolved) {
		t.Fatalf("ResolveApproval after expiry: got %v, want ErrAlreadyResolved", err)
	}
	if len(env.loopback.Banned) != 0 {
		t.Errorf("ban executed after expiry: %v", env.loopback.Banned)
	}

	req, _ := env.warden.Get(ctx, rec.RequestID)
	if req.State != warden.StateExpired {
		t.Errorf("state = %s, want expired (not denied)", req.State)
	}
}

// Text matching no pattern asks for clarification instead of guessing.
func TestPipeline_UnmatchedTextAsksForClarification(t *testing.T) {
	env := newPipeline(t, envConfig{})

	rec, err := env.engine.HandleEvent(context.Background(), event(domain.RoleMember, "do the thing"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if rec.Status != StatusClarification {
		t.Fatalf("status = %s, want needs_clarification", rec.Status)
	}
	if len(env.loopback.Directs) != 1 {
		t.Errorf("directs = %v, want one clarification message", env.loopback.Directs)
	}
}

// A handler holding no ticket cannot reach gated connector operations.
func TestOpsHandler_RejectsWithoutTicket(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loopback := connector.NewLoopback(logger)

	task := domain.Task{
		ID:     uuid.New(),
		Event:  event(domain.RoleOwner, "ban @spammer"),
		Intent: domain.Intent{Label: "ops/ban-user", TargetHandler: "ops", Dangerous: true},
	}
	_, _, err := OpsHandler{}.Handle(context.Background(), task, Toolkit{Connector: loopback})
	if !errors.Is(err, connector.ErrTicketRequired) {
		t.Fatalf("Handle: got %v, want ErrTicketRequired", err)
	}
	if len(loopback.Banned) != 0 {
		t.Errorf("ban executed without ticket: %v", loopback.Banned)
	}
}
