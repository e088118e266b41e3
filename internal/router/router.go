// Package router implements the switchboard: classification of inbound
// events into intents and the dangerous-action override.
//
// Classification is data-driven, using a static pattern table and taxonomy
// loaded at startup rather than inline conditional logic in handlers. Low
// confidence is treated as risk: it forces review even when the matched
// label is harmless.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"switchyard/internal/audit"
	"switchyard/internal/domain"
)

// ErrClassificationAmbiguous is returned when no rule matches the input.
// The event is surfaced to the requester for clarification, never guessed.
var ErrClassificationAmbiguous = errors.New("classification ambiguous")

// Review reasons attached to intents that must pass through the warden.
const (
	ReviewDangerousAction = "dangerous-action"
	ReviewLowConfidence   = "low-confidence"
)

// LabelNeedsClarification is the terminal intent label for unmatched input,
// and HandlerClarify the handler name it targets.
const (
	LabelNeedsClarification = "unknown/needs-clarification"
	HandlerClarify          = "clarify"
)

// Switchboard classifies inbound events. Stateless per call; any number of
// events may be classified concurrently.
type Switchboard struct {
	table     *Table
	threshold float64
	auditor   *audit.Logger
	logger    *slog.Logger
}

// New creates a Switchboard. threshold is the forced-review confidence
// bound (0 = default 0.80).
func New(table *Table, threshold float64, auditor *audit.Logger, logger *slog.Logger) *Switchboard {
	if threshold <= 0 {
		threshold = 0.80
	}
	return &Switchboard{table: table, threshold: threshold, auditor: auditor, logger: logger}
}

// TableVersion returns the loaded routing table version.
func (s *Switchboard) TableVersion() string { return s.table.Version }

// Classify maps an event to an intent and appends the decision to the
// audit log. The dangerous-action override cannot be bypassed: any label in
// the taxonomy needs review regardless of role, confidence, or domain, and
// sub-threshold confidence needs review regardless of the label. Both
// conditions on one event produce a single intent carrying both reasons.
func (s *Switchboard) Classify(ctx context.Context, event domain.Event) (domain.Intent, error) {
	rule, ok := s.table.match(event.Text)
	if !ok {
		intent := domain.Intent{
			Label:         LabelNeedsClarification,
			TargetHandler: HandlerClarify,
			Reasons:       []string{"no pattern matched"},
		}
		if err := s.auditDecision(ctx, event, intent, "needs_clarification"); err != nil {
			return domain.Intent{}, err
		}
		return intent, fmt.Errorf("%w: no pattern matched %q", ErrClassificationAmbiguous, trim(event.Text))
	}

	intent := domain.Intent{
		Label:         rule.Label,
		Confidence:    rule.Confidence,
		TargetHandler: rule.Handler,
		Dangerous:     s.table.IsDangerous(rule.Label),
	}
	if intent.Dangerous {
		intent.NeedsReview = true
		intent.Reasons = append(intent.Reasons, ReviewDangerousAction)
	}
	if intent.Confidence < s.threshold {
		intent.NeedsReview = true
		intent.Reasons = append(intent.Reasons, ReviewLowConfidence)
	}

	outcome := "routed"
	if intent.NeedsReview {
		outcome = "review_required"
	}
	if err := s.auditDecision(ctx, event, intent, outcome); err != nil {
		return domain.Intent{}, err
	}

	s.logger.InfoContext(ctx, "event classified",
		slog.String("event_id", event.ID.String()),
		slog.String("label", intent.Label),
		slog.Float64("confidence", intent.Confidence),
		slog.Bool("dangerous", intent.Dangerous),
		slog.Bool("needs_review", intent.NeedsReview),
		slog.String("table_version", s.table.Version),
	)
	return intent, nil
}

// auditDecision records the classification. Normal routing is INFO; BLOCK
// is reserved for the warden's own denials.
func (s *Switchboard) auditDecision(ctx context.Context, event domain.Event, intent domain.Intent, outcome string) error {
	_, err := s.auditor.Append(ctx, audit.Entry{
		Level:    audit.LevelInfo,
		Agent:    audit.AgentSwitchboard,
		Action:   "route.classify",
		UserRole: event.ActorRole,
		Outcome:  outcome,
		Note: audit.NoteKV(
			"event", event.ID.String(),
			"label", intent.Label,
			"confidence", fmt.Sprintf("%.2f", intent.Confidence),
			"table", s.table.Version,
		),
	})
	if err != nil {
		return fmt.Errorf("audit append failed, refusing to route: %w", err)
	}
	return nil
}

func trim(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
