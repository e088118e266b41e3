// Package governor implements the cost-bounded escalation ladder.
//
// A task starts at the tier implied by the trigger table and only ever moves
// up in capability. Budget is reserved before every invocation and either
// committed (success) or released (failure). Escalation never substitutes a
// cheaper tier: an exhausted budget surfaces the task to the approving
// authority instead of silently downgrading.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"switchyard/internal/audit"
	"switchyard/internal/budget"
	"switchyard/internal/domain"
	"switchyard/internal/provider"
	"switchyard/internal/ratelimit"
)

// ErrReasonRequired is returned when an escalation carries no reason from
// the closed set. Rejected at the boundary, not merely discouraged.
var ErrReasonRequired = errors.New("escalation requires a machine-checkable reason")

// budgetReserver is what the governor needs from the budget ledger.
// Satisfied by *budget.Ledger and the gormstore-backed ledger.
type budgetReserver interface {
	Reserve(ctx context.Context, tier domain.Tier, cost float64) (uuid.UUID, error)
	Commit(ctx context.Context, id uuid.UUID, actual float64) error
	Release(ctx context.Context, id uuid.UUID) error
}

// admitter is what the governor needs from the rate limiter.
type admitter interface {
	Admit(ctx context.Context, key string) error
}

// AttemptOutcome is the result class of one provider invocation.
type AttemptOutcome string

const (
	AttemptSuccess             AttemptOutcome = "success"
	AttemptProviderUnavailable AttemptOutcome = "provider_unavailable"
	AttemptProviderError       AttemptOutcome = "provider_error"
)

// Attempt records one rung of a task's climb up the ladder.
type Attempt struct {
	TaskID        uuid.UUID
	Tier          domain.Tier
	Provider      string
	TriggerReason string
	StartedAt     time.Time
	Outcome       AttemptOutcome
	CostUSD       float64
}

// Outcome is the terminal result of Run.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeBudgetExhausted Outcome = "budget_exhausted"
	OutcomeLadderExhausted Outcome = "ladder_exhausted"
	OutcomeRateLimited     Outcome = "rate_limited"
)

// Report is what Run returns. Attempts are ordered and non-decreasing in
// tier rank. Surfaced carries the human-facing explanation for outcomes
// that need an authorized actor's attention.
type Report struct {
	Outcome  Outcome
	TierUsed domain.Tier
	Result   *provider.Result
	Attempts []Attempt
	Surfaced string
}

// Config holds the governor's tunables, externally supplied.
type Config struct {
	EstimatedCost  map[domain.Tier]float64 // Reservation estimate per tier.
	InvokeTimeout  time.Duration           // Bound on each provider call. 0 = 30s.
	LocalRetries   int                     // Same-tier retries before escalating. 0 = 1.
	RateLimitScope string                  // Key prefix for provider admission. "" = "tier".
}

// Governor runs tasks up the escalation ladder. Stateless per call, so any
// number of tasks may run concurrently.
type Governor struct {
	registry *provider.Registry
	table    *Table
	ledger   budgetReserver
	limiter  admitter
	auditor  *audit.Logger
	logger   *slog.Logger
	cfg      Config
}

// New creates a Governor.
func New(registry *provider.Registry, table *Table, ledger budgetReserver, limiter admitter, auditor *audit.Logger, logger *slog.Logger, cfg Config) *Governor {
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 30 * time.Second
	}
	if cfg.LocalRetries <= 0 {
		cfg.LocalRetries = 1
	}
	if cfg.RateLimitScope == "" {
		cfg.RateLimitScope = "tier"
	}
	return &Governor{
		registry: registry,
		table:    table,
		ledger:   ledger,
		limiter:  limiter,
		auditor:  auditor,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run executes the task, climbing the ladder on qualifying failures.
// candidateTiers must be in ascending cost order; nil means the full ladder.
func (g *Governor) Run(ctx context.Context, task domain.Task) (*Report, error) {
	return g.RunLadder(ctx, task, domain.Ladder())
}

// RunLadder is Run with an explicit candidate tier list.
func (g *Governor) RunLadder(ctx context.Context, task domain.Task, candidates []domain.Tier) (*Report, error) {
	if len(candidates) == 0 {
		candidates = domain.Ladder()
	}

	startTier, startReason := task.StartTier, ReasonInitialAssignment
	if startTier == "" {
		startTier, startReason = g.table.StartTier(task.Intent)
	} else if task.Override {
		startReason = ReasonExplicitOverride
	}

	report := &Report{}
	reason := startReason
	idx := tierIndex(candidates, startTier)
	if idx < 0 {
		return nil, fmt.Errorf("start tier %s not in candidate ladder", startTier)
	}

	for {
		tier := candidates[idx]
		prov, ok := g.registry.ForTier(tier)
		if !ok {
			return nil, fmt.Errorf("no provider registered for tier %s", tier)
		}

		if err := g.limiter.Admit(ctx, g.cfg.RateLimitScope+":"+tier.String()); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				report.Outcome = OutcomeRateLimited
				report.TierUsed = tier
				report.Surfaced = fmt.Sprintf("tier %s is rate limited; queue and retry", tier)
				return report, nil
			}
			return nil, err
		}

		resID, err := g.ledger.Reserve(ctx, tier, g.cfg.EstimatedCost[tier])
		if err != nil {
			if errors.Is(err, budget.ErrBudgetExhausted) {
				// Never downgrade. Surface to the approving authority.
				if aerr := g.auditTier(ctx, task, tier, prov.Name(), audit.LevelBlock, "budget_exhausted", reason, false); aerr != nil {
					return nil, aerr
				}
				report.Outcome = OutcomeBudgetExhausted
				report.TierUsed = tier
				report.Surfaced = fmt.Sprintf("monthly budget for tier %s is exhausted; owner action required", tier)
				return report, nil
			}
			return nil, fmt.Errorf("reserving budget for tier %s: %w", tier, err)
		}

		success, voluntary, volReason, attempts, runErr := g.tryTier(ctx, task, prov, tier, reason)
		report.Attempts = append(report.Attempts, attempts...)
		if runErr != nil {
			_ = g.ledger.Release(ctx, resID)
			return nil, runErr
		}

		// Lateral alternates share the tier's cost rank; trying one is not
		// an escalation but still carries its machine-checkable reason.
		if success == nil && !voluntary {
			for _, alt := range g.registry.Alternates(tier) {
				altResult, altAttempts, altErr := g.tryLateral(ctx, task, alt, tier)
				report.Attempts = append(report.Attempts, altAttempts...)
				if altErr != nil {
					_ = g.ledger.Release(ctx, resID)
					return nil, altErr
				}
				if altResult != nil {
					success = altResult
					break
				}
			}
		}

		if success != nil {
			if err := g.ledger.Commit(ctx, resID, success.CostUSD); err != nil {
				return nil, fmt.Errorf("committing budget: %w", err)
			}
			report.Outcome = OutcomeSuccess
			report.TierUsed = tier
			report.Result = success
			return report, nil
		}

		// Every failure path releases the tier's reservation.
		_ = g.ledger.Release(ctx, resID)

		nextReason := ReasonConsecutiveFailures
		if voluntary {
			nextReason = volReason
		}

		if idx+1 >= len(candidates) {
			// Top of the ladder: terminal, surfaced, never retried further.
			if aerr := g.auditTier(ctx, task, tier, prov.Name(), audit.LevelError, "ladder_exhausted", nextReason, true); aerr != nil {
				return nil, aerr
			}
			report.Outcome = OutcomeLadderExhausted
			report.TierUsed = tier
			report.Surfaced = "all tiers failed; task requires human attention"
			return report, nil
		}

		reason = nextReason
		idx++
	}
}

// tryTier invokes the provider with the local retry budget. Returns the
// result on success; otherwise reports whether the provider voluntarily
// escalated and with what reason.
func (g *Governor) tryTier(ctx context.Context, task domain.Task, prov provider.Provider, tier domain.Tier, triggerReason string) (result *provider.Result, voluntary bool, volReason string, attempts []Attempt, err error) {
	tries := 1 + g.cfg.LocalRetries
	for i := 0; i < tries; i++ {
		started := time.Now().UTC()
		out, invokeErr := g.invokeBounded(ctx, prov, task)

		a := Attempt{
			TaskID:        task.ID,
			Tier:          tier,
			Provider:      prov.Name(),
			TriggerReason: triggerReason,
			StartedAt:     started,
		}

		switch {
		case invokeErr == nil && !out.Escalate:
			a.Outcome = AttemptSuccess
			a.CostUSD = out.Result.CostUSD
			attempts = append(attempts, a)
			if aerr := g.auditAttempt(ctx, task, a, audit.LevelInfo, ""); aerr != nil {
				return nil, false, "", attempts, aerr
			}
			return out.Result, false, "", attempts, nil

		case invokeErr == nil && out.Escalate:
			// Voluntary escalation: reason is mandatory and must be from
			// the closed set, rejected here at the boundary.
			if !ValidReason(out.Reason) {
				a.Outcome = AttemptProviderError
				attempts = append(attempts, a)
				if aerr := g.auditAttempt(ctx, task, a, audit.LevelError, "reason-rejected"); aerr != nil {
					return nil, false, "", attempts, aerr
				}
				return nil, false, "", attempts, fmt.Errorf("%w: provider %s sent escalate with reason %q", ErrReasonRequired, prov.Name(), out.Reason)
			}
			a.Outcome = AttemptProviderError
			attempts = append(attempts, a)
			if aerr := g.auditAttempt(ctx, task, a, audit.LevelEscalate, out.Reason); aerr != nil {
				return nil, false, "", attempts, aerr
			}
			return nil, true, out.Reason, attempts, nil

		case errors.Is(invokeErr, context.Canceled):
			return nil, false, "", attempts, invokeErr

		default:
			a.Outcome = AttemptProviderError
			if errors.Is(invokeErr, provider.ErrProviderUnavailable) || errors.Is(invokeErr, context.DeadlineExceeded) {
				a.Outcome = AttemptProviderUnavailable
			}
			attempts = append(attempts, a)
			level := audit.LevelWarn
			if i == tries-1 {
				level = audit.LevelEscalate
			}
			if aerr := g.auditAttempt(ctx, task, a, level, ""); aerr != nil {
				return nil, false, "", attempts, aerr
			}
			g.logger.WarnContext(ctx, "provider attempt failed",
				slog.String("task_id", task.ID.String()),
				slog.String("tier", tier.String()),
				slog.String("provider", prov.Name()),
				slog.Int("attempt", i+1),
				slog.String("error", invokeErr.Error()),
			)
		}
	}
	return nil, false, "", attempts, nil
}

// tryLateral invokes an alternate provider once at the same cost rank.
func (g *Governor) tryLateral(ctx context.Context, task domain.Task, alt provider.Provider, tier domain.Tier) (*provider.Result, []Attempt, error) {
	started := time.Now().UTC()
	out, err := g.invokeBounded(ctx, alt, task)
	if errors.Is(err, context.Canceled) {
		return nil, nil, err
	}

	a := Attempt{
		TaskID:        task.ID,
		Tier:          tier,
		Provider:      alt.Name(),
		TriggerReason: ReasonLateralAlternate,
		StartedAt:     started,
	}
	switch {
	case err == nil && !out.Escalate:
		a.Outcome = AttemptSuccess
		a.CostUSD = out.Result.CostUSD
		if aerr := g.auditAttempt(ctx, task, a, audit.LevelInfo, ""); aerr != nil {
			return nil, []Attempt{a}, aerr
		}
		return out.Result, []Attempt{a}, nil
	case err == nil:
		a.Outcome = AttemptProviderError
	case errors.Is(err, provider.ErrProviderUnavailable) || errors.Is(err, context.DeadlineExceeded):
		a.Outcome = AttemptProviderUnavailable
	default:
		a.Outcome = AttemptProviderError
	}
	if aerr := g.auditAttempt(ctx, task, a, audit.LevelWarn, ""); aerr != nil {
		return nil, []Attempt{a}, aerr
	}
	return nil, []Attempt{a}, nil
}

// invokeBounded runs the provider call under the configured timeout.
// The in-flight call cannot be cancelled beyond its timeout; a late result
// is discarded, never retroactively applied.
func (g *Governor) invokeBounded(ctx context.Context, prov provider.Provider, task domain.Task) (*provider.Outcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.InvokeTimeout)
	defer cancel()

	type res struct {
		out *provider.Outcome
		err error
	}
	ch := make(chan res, 1) // Buffered so a late result is dropped, not leaked.
	go func() {
		out, err := prov.TryInvoke(callCtx, task)
		ch <- res{out, err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s timed out after %s", provider.ErrProviderUnavailable, prov.Name(), g.cfg.InvokeTimeout)
		}
		return nil, callCtx.Err()
	}
}

func (g *Governor) auditAttempt(ctx context.Context, task domain.Task, a Attempt, level audit.Level, extra string) error {
	note := audit.NoteKV("task", task.ID.String(), "reason", a.TriggerReason)
	if extra != "" {
		note += " " + extra
	}
	_, err := g.auditor.Append(ctx, audit.Entry{
		Level:     level,
		Agent:     audit.AgentGovernor,
		Action:    audit.ActionEscalateAttempt,
		UserRole:  task.Event.ActorRole,
		Model:     a.Tier.String() + "/" + a.Provider,
		Outcome:   string(a.Outcome),
		Escalated: level == audit.LevelEscalate,
		Note:      note,
	})
	if err != nil {
		// An unlogged escalated action must not proceed.
		return fmt.Errorf("audit append failed, refusing to continue: %w", err)
	}
	return nil
}

func (g *Governor) auditTier(ctx context.Context, task domain.Task, tier domain.Tier, provName string, level audit.Level, outcome, reason string, escalated bool) error {
	_, err := g.auditor.Append(ctx, audit.Entry{
		Level:     level,
		Agent:     audit.AgentGovernor,
		Action:    "escalation.halt",
		UserRole:  task.Event.ActorRole,
		Model:     tier.String() + "/" + provName,
		Outcome:   outcome,
		Escalated: escalated,
		Note:      audit.NoteKV("task", task.ID.String(), "reason", reason),
	})
	if err != nil {
		return fmt.Errorf("audit append failed, refusing to continue: %w", err)
	}
	return nil
}

func tierIndex(tiers []domain.Tier, t domain.Tier) int {
	for i, c := range tiers {
		if c == t {
			return i
		}
	}
	return -1
}
