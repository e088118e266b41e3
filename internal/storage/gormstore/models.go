package gormstore

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"switchyard/internal/domain"
	"switchyard/internal/warden"
)

// ApprovalModel is the GORM row for one approval request.
type ApprovalModel struct {
	ID        string `gorm:"primaryKey;size:32"`
	EventID   string `gorm:"size:36"`
	Source    string `gorm:"size:16"`
	ActorID   string `gorm:"size:128;index"`
	ActorRole string `gorm:"size:16"`
	Text      string

	Label         string `gorm:"size:128"`
	Confidence    float64
	TargetHandler string `gorm:"size:64"`
	Dangerous     bool
	ReviewReasons string // Comma-joined.

	Status      int16 `gorm:"index:idx_approvals_status_expiry"`
	RequestedAt time.Time
	ExpiresAt   time.Time `gorm:"index:idx_approvals_status_expiry"`
	ResolvedBy  string    `gorm:"size:128"`
	ResolvedAt  *time.Time
	Reason      string `gorm:"size:256"`
}

// TableName overrides GORM's pluralization.
func (ApprovalModel) TableName() string { return "approval_requests" }

// LedgerEntryModel is one committed budget line. Reversals are rows with
// negative amounts; totals are sums, never updates.
type LedgerEntryModel struct {
	ID        uint   `gorm:"primaryKey"`
	Tier      string `gorm:"size:16;index:idx_ledger_tier_month"`
	MonthKey  string `gorm:"size:7;index:idx_ledger_tier_month"`
	AmountUSD float64
	Reason    string `gorm:"size:256"`
	CreatedAt time.Time
}

// TableName overrides GORM's pluralization.
func (LedgerEntryModel) TableName() string { return "ledger_entries" }

func toApprovalModel(req *warden.Request) ApprovalModel {
	m := ApprovalModel{
		ID:            req.ID,
		EventID:       req.Event.ID.String(),
		Source:        string(req.Event.Source),
		ActorID:       req.Event.ActorID,
		ActorRole:     string(req.Event.ActorRole),
		Text:          req.Event.Text,
		Label:         req.Intent.Label,
		Confidence:    req.Intent.Confidence,
		TargetHandler: req.Intent.TargetHandler,
		Dangerous:     req.Intent.Dangerous,
		ReviewReasons: strings.Join(req.Intent.Reasons, ","),
		Status:        int16(req.State),
		RequestedAt:   req.RequestedAt,
		ExpiresAt:     req.ExpiresAt,
		ResolvedBy:    req.ResolvedBy,
		Reason:        req.Reason,
	}
	if !req.ResolvedAt.IsZero() {
		t := req.ResolvedAt
		m.ResolvedAt = &t
	}
	return m
}

func toRequest(m *ApprovalModel) *warden.Request {
	eventID, _ := uuid.Parse(m.EventID)
	req := &warden.Request{
		ID: m.ID,
		Event: domain.Event{
			ID:        eventID,
			Source:    domain.EventSource(m.Source),
			ActorID:   m.ActorID,
			ActorRole: domain.Role(m.ActorRole),
			Text:      m.Text,
			Timestamp: m.RequestedAt,
		},
		Intent: domain.Intent{
			Label:         m.Label,
			Confidence:    m.Confidence,
			TargetHandler: m.TargetHandler,
			Dangerous:     m.Dangerous,
			NeedsReview:   true,
		},
		RequestedAt: m.RequestedAt,
		ExpiresAt:   m.ExpiresAt,
		State:       warden.State(m.Status),
		ResolvedBy:  m.ResolvedBy,
		Reason:      m.Reason,
	}
	if m.ReviewReasons != "" {
		req.Intent.Reasons = strings.Split(m.ReviewReasons, ",")
	}
	if m.ResolvedAt != nil {
		req.ResolvedAt = *m.ResolvedAt
	}
	return req
}
