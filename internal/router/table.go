package router

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PatternRule maps phrase patterns to a domain/action label and target
// handler. Confidence is the score assigned when the rule matches; the
// router compares it against the forced-review threshold.
type PatternRule struct {
	Patterns   []string `yaml:"patterns"`
	Label      string   `yaml:"label"`    // "domain/action".
	Handler    string   `yaml:"handler"`  // Target handler name.
	Priority   int      `yaml:"priority"` // Tie-break after pattern length.
	Confidence float64  `yaml:"confidence"`
}

// Table is the static, versioned routing table: pattern rules plus the
// dangerous-action taxonomy. Loaded once at startup, immutable afterwards.
type Table struct {
	Version   string        `yaml:"version"`
	Rules     []PatternRule `yaml:"rules"`
	Dangerous []string      `yaml:"dangerous"` // Labels requiring approval regardless of anything else.

	dangerousSet map[string]bool
}

// LoadTable reads and validates a routing table from a YAML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routing table %s: %w", path, err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing routing table %s: %w", path, err)
	}
	if err := t.init(); err != nil {
		return nil, fmt.Errorf("routing table %s: %w", path, err)
	}
	return &t, nil
}

// NewTable builds a table from in-memory rules (used by tests and embedded
// defaults).
func NewTable(version string, rules []PatternRule, dangerous []string) (*Table, error) {
	t := &Table{Version: version, Rules: rules, Dangerous: dangerous}
	if err := t.init(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) init() error {
	if t.Version == "" {
		return fmt.Errorf("missing version")
	}
	for i, r := range t.Rules {
		if len(r.Patterns) == 0 {
			return fmt.Errorf("rule %d: no patterns", i)
		}
		if r.Label == "" || !strings.Contains(r.Label, "/") {
			return fmt.Errorf("rule %d: label %q is not domain/action", i, r.Label)
		}
		if r.Handler == "" {
			return fmt.Errorf("rule %d (%s): no target handler", i, r.Label)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return fmt.Errorf("rule %d (%s): confidence %v out of range", i, r.Label, r.Confidence)
		}
	}
	t.dangerousSet = make(map[string]bool, len(t.Dangerous))
	for _, label := range t.Dangerous {
		t.dangerousSet[label] = true
	}
	return nil
}

// IsDangerous reports whether the label is in the dangerous-action
// taxonomy. Derived entirely from the static table, independent of
// confidence, requester role, or domain.
func (t *Table) IsDangerous(label string) bool {
	return t.dangerousSet[label]
}

// match returns the best-matching rule for the text, or false.
// Most specific wins: longest matching pattern first, rule priority as the
// tie-break.
func (t *Table) match(text string) (PatternRule, bool) {
	lowered := strings.ToLower(text)

	var best PatternRule
	bestLen, found := -1, false
	for _, r := range t.Rules {
		for _, p := range r.Patterns {
			if !strings.Contains(lowered, strings.ToLower(p)) {
				continue
			}
			if len(p) > bestLen || (len(p) == bestLen && r.Priority > best.Priority) {
				best = r
				bestLen = len(p)
				found = true
			}
		}
	}
	return best, found
}
