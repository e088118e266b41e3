// Package warden implements the approval queue gating dangerous actions
// behind Owner/Admin sign-off.
//
// Each request is an independent state machine: Pending → Approved, Denied,
// or Expired, all terminal. Transitions are compare-and-swap per request id,
// so a race between Resolve and the expiry sweep can never produce two
// terminal states, and unrelated requests never contend on a shared lock.
package warden

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"switchyard/internal/audit"
	"switchyard/internal/domain"
)

var (
	ErrNotFound        = errors.New("approval request not found")
	ErrUnauthorized    = errors.New("approver role not authorized")
	ErrAlreadyResolved = errors.New("approval request already resolved")
)

// State is the lifecycle state of an approval request.
type State int

const (
	StatePending State = iota
	StateApproved
	StateDenied
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApproved:
		return "approved"
	case StateDenied:
		return "denied"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Request is one gated action awaiting sign-off. Terminal requests are
// immutable; re-submission creates a new Request, never mutates an old one.
type Request struct {
	ID          string
	Event       domain.Event
	Intent      domain.Intent
	RequestedAt time.Time
	ExpiresAt   time.Time
	State       State
	ResolvedBy  string
	ResolvedAt  time.Time
	Reason      string // Resolution reason ("cancelled-by-requester", sweep note, …).
}

// Decision is an explicit resolution by an approver.
type Decision int

const (
	DecisionApprove Decision = iota
	DecisionDeny
)

// Notifier tells the requester about a terminal outcome they did not choose.
type Notifier interface {
	NotifyRequester(ctx context.Context, req *Request, outcome, reason string) error
}

// Warden owns the ApprovalRequest lifecycle. Thread-safe.
type Warden struct {
	store    Store
	ttl      time.Duration
	auditor  *audit.Logger
	notifier Notifier // Optional.
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Warden with the given pending TTL.
func New(store Store, ttl time.Duration, auditor *audit.Logger, notifier Notifier, logger *slog.Logger) *Warden {
	return &Warden{
		store:    store,
		ttl:      ttl,
		auditor:  auditor,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Submit creates a Pending request for the event and logs the pending
// marker. The audit write is load-bearing: if it fails, the request is not
// queued. A dangerous action may never exist unlogged.
func (w *Warden) Submit(ctx context.Context, event domain.Event, intent domain.Intent) (*Request, error) {
	id, err := generateID()
	if err != nil {
		return nil, fmt.Errorf("generating request ID: %w", err)
	}

	now := w.now().UTC()
	req := &Request{
		ID:          id,
		Event:       event,
		Intent:      intent,
		RequestedAt: now,
		ExpiresAt:   now.Add(w.ttl),
		State:       StatePending,
	}

	if _, err := w.auditor.Append(ctx, audit.Entry{
		Level:    audit.LevelBlock,
		Agent:    audit.AgentWarden,
		Action:   audit.ActionApprovalSubmit,
		UserRole: event.ActorRole,
		Outcome:  "pending",
		Note: audit.NoteKV("request", id, "label", intent.Label,
			"reasons", strings.Join(intent.Reasons, ",")),
	}); err != nil {
		return nil, fmt.Errorf("audit append failed, refusing to queue: %w", err)
	}

	if err := w.store.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("storing approval request: %w", err)
	}

	w.logger.InfoContext(ctx, "approval request queued",
		slog.String("request_id", id),
		slog.String("label", intent.Label),
		slog.Time("expires_at", req.ExpiresAt),
	)
	return req, nil
}

// Get returns the request by id.
func (w *Warden) Get(ctx context.Context, id string) (*Request, error) {
	return w.store.Get(ctx, id)
}

// List returns all requests in the given state.
func (w *Warden) List(ctx context.Context, state State) ([]*Request, error) {
	return w.store.List(ctx, state)
}

// Resolve transitions a Pending request to Approved or Denied.
// Fails with ErrUnauthorized unless the approver is Owner or Admin, and
// with ErrAlreadyResolved if the request already reached a terminal state.
func (w *Warden) Resolve(ctx context.Context, id string, decision Decision, approverID string, approverRole domain.Role) (*Request, error) {
	if !approverRole.CanApprove() {
		// The refusal itself is an auditable decision.
		if _, err := w.auditor.Append(ctx, audit.Entry{
			Level:    audit.LevelBlock,
			Agent:    audit.AgentWarden,
			Action:   "approval.resolve",
			UserRole: approverRole,
			Outcome:  "unauthorized",
			Note:     audit.NoteKV("request", id, "by", approverID),
		}); err != nil {
			return nil, fmt.Errorf("audit append failed: %w", err)
		}
		return nil, fmt.Errorf("%w: role %s cannot resolve approvals", ErrUnauthorized, approverRole)
	}

	to := StateApproved
	action, level := audit.ActionApprovalApprove, audit.LevelApprove
	if decision == DecisionDeny {
		to = StateDenied
		action, level = audit.ActionApprovalDeny, audit.LevelDeny
	}

	req, err := w.store.Transition(ctx, id, to, approverID, "", w.now().UTC())
	if err != nil {
		return nil, err
	}

	if _, err := w.auditor.Append(ctx, audit.Entry{
		Level:    level,
		Agent:    audit.AgentWarden,
		Action:   action,
		UserRole: approverRole,
		Outcome:  to.String(),
		Note:     audit.NoteKV("request", id, "by", approverID, "label", req.Intent.Label),
	}); err != nil {
		// The transition is durable but the approval may not be acted on
		// without its log entry.
		return nil, fmt.Errorf("audit append failed, approval must not proceed: %w", err)
	}

	if to == StateDenied && w.notifier != nil {
		_ = w.notifier.NotifyRequester(ctx, req, "denied", "explicitly refused by "+approverID)
	}
	return req, nil
}

// Cancel lets the original requester withdraw a still-Pending request.
// Audited as a denial, distinguished by reason.
func (w *Warden) Cancel(ctx context.Context, id, actorID, reason string) (*Request, error) {
	if reason == "" {
		reason = "cancelled-by-requester"
	}
	req, err := w.store.Transition(ctx, id, StateDenied, actorID, reason, w.now().UTC())
	if err != nil {
		return nil, err
	}

	if _, err := w.auditor.Append(ctx, audit.Entry{
		Level:    audit.LevelDeny,
		Agent:    audit.AgentWarden,
		Action:   audit.ActionApprovalCancel,
		UserRole: req.Event.ActorRole,
		Outcome:  "denied",
		Note:     audit.NoteKV("request", id, "by", actorID, "reason", reason),
	}); err != nil {
		return nil, fmt.Errorf("audit append failed: %w", err)
	}
	return req, nil
}

// SweepExpired moves every Pending request past its deadline to Expired.
// This is the only producer of the Expired state. The outcome is logged
// distinctly from a denial so downstream consumers can tell "nobody
// decided" from "explicitly refused".
func (w *Warden) SweepExpired(ctx context.Context) (int, error) {
	expired, err := w.store.ExpirePending(ctx, w.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expiring pending requests: %w", err)
	}

	for _, req := range expired {
		if _, err := w.auditor.Append(ctx, audit.Entry{
			Level:    audit.LevelWarn,
			Agent:    audit.AgentWarden,
			Action:   audit.ActionApprovalExpire,
			UserRole: req.Event.ActorRole,
			Outcome:  "expired",
			Note:     audit.NoteKV("request", req.ID, "label", req.Intent.Label),
		}); err != nil {
			return 0, fmt.Errorf("audit append failed during sweep: %w", err)
		}
		if w.notifier != nil {
			_ = w.notifier.NotifyRequester(ctx, req, "expired", "approval window elapsed with no decision")
		}
		w.logger.InfoContext(ctx, "approval request expired",
			slog.String("request_id", req.ID),
			slog.String("label", req.Intent.Label),
		)
	}
	return len(expired), nil
}

// StartSweeper runs SweepExpired on the given interval until ctx ends.
// Returns a stop function.
func (w *Warden) StartSweeper(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.SweepExpired(ctx); err != nil {
					w.logger.ErrorContext(ctx, "approval sweep failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return cancel
}

func generateID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
