// Package provider defines the capability interface implemented by each
// model/compute backend the escalation governor can call, plus the registry
// that binds backends to ladder tiers.
package provider

import (
	"context"
	"errors"

	"switchyard/internal/domain"
)

var (
	// ErrProviderUnavailable means the backend could not be reached at all.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderError means the backend was reached but returned a failure.
	ErrProviderError = errors.New("provider error")
)

// Result is the successful output of a provider invocation.
type Result struct {
	Output     string
	TokensUsed int
	CostUSD    float64 // Actual cost, committed against the budget ledger.
}

// Outcome is what TryInvoke returns on success. Escalate signals the
// governor to retry at the next tier up; Reason is mandatory whenever
// Escalate is set; the governor rejects reasonless escalation outright.
type Outcome struct {
	Result   *Result
	Escalate bool
	Reason   string
}

// Provider is the abstraction over any compute backend.
type Provider interface {
	// TryInvoke runs the task. Infrastructure failures are returned as
	// errors wrapping ErrProviderUnavailable or ErrProviderError; a nil
	// error with Escalate=true is the backend voluntarily punting upward.
	TryInvoke(ctx context.Context, task domain.Task) (*Outcome, error)
	// Name returns the backend identifier (e.g. "loam").
	Name() string
	// Tier returns the ladder tier this backend serves.
	Tier() domain.Tier
}
