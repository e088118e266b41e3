// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Role is the actor role attached to an inbound event.
// Roles are assigned by the external identity collaborator, never by the
// event itself.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleAgent  Role = "agent"
	RoleMember Role = "member"
)

// ParseRole converts a string to a Role. Unrecognized values map to
// RoleMember (least privilege).
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleOwner, RoleAdmin, RoleAgent, RoleMember:
		return Role(s)
	default:
		return RoleMember
	}
}

// CanApprove reports whether the role may resolve approval requests.
func (r Role) CanApprove() bool {
	return r == RoleOwner || r == RoleAdmin
}

// EventSource identifies where an inbound event came from.
type EventSource string

const (
	SourceChat     EventSource = "chat"
	SourceSchedule EventSource = "schedule"
	SourceWebhook  EventSource = "webhook"
)

// Event is an inbound unit of work. Immutable once created.
type Event struct {
	ID        uuid.UUID
	Source    EventSource
	ActorID   string
	ActorRole Role
	Text      string
	Timestamp time.Time
}

// Tier is a cost/capability level in the escalation ladder.
type Tier string

const (
	TierFree     Tier = "free"
	TierPaidLow  Tier = "paid-low"
	TierPaidHigh Tier = "paid-high"
)

// Rank returns the cost rank of the tier. Escalation only ever moves to a
// higher or equal rank. Unknown tiers rank above every known tier so they
// can never be reached by accident.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 0
	case TierPaidLow:
		return 1
	case TierPaidHigh:
		return 2
	default:
		return 3
	}
}

func (t Tier) String() string { return string(t) }

// Ladder returns the full escalation ladder in ascending cost order.
func Ladder() []Tier {
	return []Tier{TierFree, TierPaidLow, TierPaidHigh}
}

// Intent is the classification result for an inbound event.
type Intent struct {
	Label         string  // "domain/action", e.g. "ops/ban-user".
	Confidence    float64 // 0–1.
	TargetHandler string  // Handler name the label maps to.
	Dangerous     bool    // Label is in the dangerous-action taxonomy.
	NeedsReview   bool    // Dangerous OR confidence below threshold.
	Reasons       []string
}

// Task is a unit of work handed to the escalation governor.
type Task struct {
	ID        uuid.UUID
	Event     Event
	Intent    Intent
	StartTier Tier     // Tier implied by the trigger table, or override.
	Override  bool     // Explicit tier override from an authorized actor.
	Triggers  []string // Machine-checkable escalation trigger reasons.
}
