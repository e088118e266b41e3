package governor

import (
	"fmt"
	"strings"

	"switchyard/internal/domain"
)

// Machine-checkable escalation reasons. Every escalation, including
// lateral alternate-provider use, must carry one of these; free-form
// reasons are rejected at the API boundary.
const (
	ReasonInitialAssignment   = "initial-assignment"
	ReasonSecuritySensitive   = "security-sensitive"
	ReasonStructuralChange    = "multi-resource-change"
	ReasonAmbiguity           = "unresolved-ambiguity"
	ReasonExternalComms       = "external-communication"
	ReasonProductionImpact    = "production-affecting"
	ReasonConsecutiveFailures = "two-consecutive-failures"
	ReasonExplicitOverride    = "explicit-override"
	ReasonLateralAlternate    = "lateral-alternate"
)

var validReasons = map[string]bool{
	ReasonInitialAssignment:   true,
	ReasonSecuritySensitive:   true,
	ReasonStructuralChange:    true,
	ReasonAmbiguity:           true,
	ReasonExternalComms:       true,
	ReasonProductionImpact:    true,
	ReasonConsecutiveFailures: true,
	ReasonExplicitOverride:    true,
	ReasonLateralAlternate:    true,
}

// ValidReason reports whether s is in the closed escalation-reason set.
func ValidReason(s string) bool {
	return validReasons[s]
}

// Rule maps an intent label prefix to a starting tier with a reason from
// the closed set. Rules come from configuration, never from code.
type Rule struct {
	LabelPrefix string      `yaml:"label_prefix"`
	Tier        domain.Tier `yaml:"tier"`
	Reason      string      `yaml:"reason"`
}

// Table is the static escalation trigger table, loaded once at startup and
// immutable for the life of the process.
type Table struct {
	rules       []Rule
	defaultTier domain.Tier
}

// NewTable validates the rules and builds the table. Every rule's reason
// must be machine-checkable and its tier a known ladder tier.
func NewTable(rules []Rule, defaultTier domain.Tier) (*Table, error) {
	if defaultTier == "" {
		defaultTier = domain.TierFree
	}
	for i, r := range rules {
		if r.LabelPrefix == "" {
			return nil, fmt.Errorf("trigger rule %d: empty label prefix", i)
		}
		if r.Tier.Rank() > domain.TierPaidHigh.Rank() {
			return nil, fmt.Errorf("trigger rule %d: unknown tier %q", i, r.Tier)
		}
		if !ValidReason(r.Reason) {
			return nil, fmt.Errorf("trigger rule %d: reason %q is not machine-checkable", i, r.Reason)
		}
	}
	return &Table{rules: rules, defaultTier: defaultTier}, nil
}

// StartTier returns the tier implied by the table for the intent, with the
// rule's reason. The longest matching prefix wins; no match falls back to
// the default tier with the initial-assignment reason.
func (t *Table) StartTier(intent domain.Intent) (domain.Tier, string) {
	best := -1
	tier := t.defaultTier
	reason := ReasonInitialAssignment
	for _, r := range t.rules {
		if strings.HasPrefix(intent.Label, r.LabelPrefix) && len(r.LabelPrefix) > best {
			best = len(r.LabelPrefix)
			tier = r.Tier
			reason = r.Reason
		}
	}
	return tier, reason
}
