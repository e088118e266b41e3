// Package engine wires the pipeline together: events are classified, gated
// through the approval queue when required, and finally dispatched to a
// handler that acts through the connector and the escalation governor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"switchyard/internal/audit"
	"switchyard/internal/connector"
	"switchyard/internal/domain"
	"switchyard/internal/governor"
	"switchyard/internal/router"
	"switchyard/internal/warden"
)

var ErrNoHandler = errors.New("no handler registered for intent")

// Status summarizes what happened to an event.
type Status string

const (
	StatusCompleted     Status = "completed"
	StatusPending       Status = "pending_approval"
	StatusClarification Status = "needs_clarification"
	StatusDenied        Status = "denied"
	StatusFailed        Status = "failed"
)

// Receipt is the caller-facing result of submitting an event or resolving
// an approval.
type Receipt struct {
	Status    Status
	TaskID    uuid.UUID
	RequestID string // Set when Status is pending_approval or denied.
	Output    string
	Report    *governor.Report // Set when the handler consulted the governor.
}

// Toolkit is what a handler may act through. The Ticket is zero unless the
// task went through the approval queue and came out approved.
type Toolkit struct {
	Connector connector.Connector
	Governor  *governor.Governor
	Ticket    connector.Ticket
}

// Handler executes one intent domain ("ops", "dev", …).
type Handler interface {
	Name() string
	Handle(ctx context.Context, task domain.Task, tk Toolkit) (*governor.Report, string, error)
}

// metricsRecorder is the slice of observability the engine needs.
type metricsRecorder interface {
	RecordEvent(source string)
	RecordOutcome(status string)
}

// Engine drives events through classification, approval, and execution.
type Engine struct {
	switchboard *router.Switchboard
	warden      *warden.Warden
	gov         *governor.Governor
	conn        connector.Connector
	auditor     *audit.Logger
	logger      *slog.Logger

	handlers map[string]Handler
	metrics  metricsRecorder // nil = metrics disabled
	tracer   trace.Tracer
}

// New creates an Engine. Register handlers before serving traffic.
func New(sb *router.Switchboard, w *warden.Warden, gov *governor.Governor, conn connector.Connector, auditor *audit.Logger, logger *slog.Logger) *Engine {
	return &Engine{
		switchboard: sb,
		warden:      w,
		gov:         gov,
		conn:        conn,
		auditor:     auditor,
		logger:      logger,
		handlers:    make(map[string]Handler),
		tracer:      noop.NewTracerProvider().Tracer("engine"),
	}
}

// WithMetrics attaches an outcome recorder. Call at startup only.
func (e *Engine) WithMetrics(m metricsRecorder) *Engine {
	e.metrics = m
	return e
}

// WithTracer attaches a tracer. Call at startup only.
func (e *Engine) WithTracer(tp trace.TracerProvider) *Engine {
	e.tracer = tp.Tracer("switchyard/engine")
	return e
}

// Register adds a handler. Returns an error on duplicate names so wiring
// mistakes fail at startup rather than shadowing each other.
func (e *Engine) Register(h Handler) error {
	if _, ok := e.handlers[h.Name()]; ok {
		return fmt.Errorf("handler %q already registered", h.Name())
	}
	e.handlers[h.Name()] = h
	return nil
}

// HandleEvent runs one event through the pipeline. A review-flagged intent
// parks in the approval queue; the returned receipt carries the request id
// the approver needs.
func (e *Engine) HandleEvent(ctx context.Context, event domain.Event) (*Receipt, error) {
	ctx, span := e.tracer.Start(ctx, "engine.handle_event",
		trace.WithAttributes(
			attribute.String("event.id", event.ID.String()),
			attribute.String("event.source", string(event.Source)),
		))
	defer span.End()

	if e.metrics != nil {
		e.metrics.RecordEvent(string(event.Source))
	}

	intent, err := e.switchboard.Classify(ctx, event)
	if err != nil {
		if errors.Is(err, router.ErrClassificationAmbiguous) {
			// Ask instead of guessing.
			if serr := e.conn.SendDirect(ctx, event.ActorID,
				fmt.Sprintf("I could not work out what %q should do. Can you rephrase?", event.Text)); serr != nil {
				e.logger.WarnContext(ctx, "clarification request failed", slog.String("error", serr.Error()))
			}
			return e.finish(&Receipt{Status: StatusClarification}), nil
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("classifying event: %w", err)
	}
	span.SetAttributes(attribute.String("intent.label", intent.Label))

	task := domain.Task{ID: uuid.New(), Event: event, Intent: intent}

	if intent.NeedsReview {
		req, err := e.warden.Submit(ctx, event, intent)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("queueing approval: %w", err)
		}
		return e.finish(&Receipt{Status: StatusPending, TaskID: task.ID, RequestID: req.ID}), nil
	}
	return e.dispatch(ctx, task, connector.Ticket{})
}

// SubmitEvent runs an event and discards the receipt. Background sources
// (schedules, webhooks without a reply path) use this form.
func (e *Engine) SubmitEvent(ctx context.Context, event domain.Event) error {
	_, err := e.HandleEvent(ctx, event)
	return err
}

// ResolveApproval applies an approver's decision. An approval immediately
// executes the parked task with a ticket minted from the resolved request;
// a denial just reports it (the warden already notified the requester).
func (e *Engine) ResolveApproval(ctx context.Context, requestID string, decision warden.Decision, approverID string, role domain.Role) (*Receipt, error) {
	ctx, span := e.tracer.Start(ctx, "engine.resolve_approval",
		trace.WithAttributes(attribute.String("request.id", requestID)))
	defer span.End()

	req, err := e.warden.Resolve(ctx, requestID, decision, approverID, role)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if req.State == warden.StateDenied {
		return e.finish(&Receipt{Status: StatusDenied, RequestID: requestID}), nil
	}

	task := domain.Task{ID: uuid.New(), Event: req.Event, Intent: req.Intent}
	ticket := connector.Ticket{RequestID: req.ID, Label: req.Intent.Label, ApprovedBy: req.ResolvedBy}
	return e.dispatch(ctx, task, ticket)
}

// CancelApproval withdraws a pending request on the requester's behalf.
func (e *Engine) CancelApproval(ctx context.Context, requestID, actorID, reason string) (*Receipt, error) {
	if _, err := e.warden.Cancel(ctx, requestID, actorID, reason); err != nil {
		return nil, err
	}
	return e.finish(&Receipt{Status: StatusDenied, RequestID: requestID}), nil
}

func (e *Engine) dispatch(ctx context.Context, task domain.Task, ticket connector.Ticket) (*Receipt, error) {
	ctx, span := e.tracer.Start(ctx, "engine.dispatch",
		trace.WithAttributes(
			attribute.String("task.id", task.ID.String()),
			attribute.String("handler", task.Intent.TargetHandler),
		))
	defer span.End()

	h, ok := e.handlers[task.Intent.TargetHandler]
	if !ok {
		span.SetStatus(codes.Error, "no handler")
		return nil, fmt.Errorf("%w: %q", ErrNoHandler, task.Intent.TargetHandler)
	}

	report, output, err := h.Handle(ctx, task, Toolkit{Connector: e.conn, Governor: e.gov, Ticket: ticket})
	outcome := "success"
	level := audit.LevelInfo
	if err != nil {
		outcome = "error"
		level = audit.LevelError
		span.SetStatus(codes.Error, err.Error())
	}

	if _, aerr := e.auditor.Append(ctx, audit.Entry{
		Level:    level,
		Agent:    audit.AgentEngine,
		Action:   "task.execute",
		UserRole: task.Event.ActorRole,
		Outcome:  outcome,
		Note: audit.NoteKV("task", task.ID.String(), "label", task.Intent.Label,
			"handler", task.Intent.TargetHandler),
	}); aerr != nil {
		return nil, fmt.Errorf("audit append failed, refusing to report: %w", aerr)
	}

	if err != nil {
		e.logger.ErrorContext(ctx, "handler failed",
			slog.String("task_id", task.ID.String()),
			slog.String("handler", task.Intent.TargetHandler),
			slog.String("error", err.Error()),
		)
		return e.finish(&Receipt{Status: StatusFailed, TaskID: task.ID, Report: report}), err
	}

	e.logger.InfoContext(ctx, "task completed",
		slog.String("task_id", task.ID.String()),
		slog.String("label", task.Intent.Label),
	)
	return e.finish(&Receipt{Status: StatusCompleted, TaskID: task.ID, Output: output, Report: report}), nil
}

func (e *Engine) finish(r *Receipt) *Receipt {
	if e.metrics != nil {
		e.metrics.RecordOutcome(string(r.Status))
	}
	return r
}
