// Package httpapi implements the HTTP gateway for switchyard.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Approver identity comes from the authenticated caller, never the body
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"switchyard/internal/audit"
	"switchyard/internal/domain"
	"switchyard/internal/engine"
	"switchyard/internal/observability"
	"switchyard/internal/ratelimit"
	"switchyard/internal/warden"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr string // e.g., ":8080"
	APIKeys    []string
	EnableDocs bool
	AuditPath  string // Audit log file, read by GET /v1/audit.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config  Config
	engine  *engine.Engine
	warden  *warden.Warden
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
	group   *okapi.Group
}

// NewGateway creates an HTTP gateway.
func NewGateway(cfg Config, eng *engine.Engine, w *warden.Warden, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		engine:  eng,
		warden:  w,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(),
	}
}

// WithOpenAPIDocs enables the generated API documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Switchyard",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group, instrumented when observability is configured.
	groupMW := okapi.Middleware(g.authenticate)
	if g.config.Metrics != nil || g.config.Tracer != nil {
		instrument := observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer)
		auth := groupMW
		groupMW = func(next okapi.HandlerFunc) okapi.HandlerFunc {
			return instrument(auth(next))
		}
	}
	g.group = g.okapi.Group("/v1", groupMW)

	g.group.Post("/events", g.handleEvent,
		okapi.DocSummary("Submit an event for classification and execution"),
		okapi.DocTags("Events"),
		okapi.DocRequestBody(EventRequest{}),
		okapi.DocResponse(EventResponse{}),
		okapi.DocResponse(http.StatusAccepted, EventResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/approvals", g.handleApprovalList,
		okapi.DocSummary("List approval requests by state"),
		okapi.DocTags("Approvals"),
		okapi.DocResponse([]ApprovalView{}),
	)
	g.group.Post("/approvals/{id}", g.handleApprovalResolve,
		okapi.DocSummary("Approve or deny a pending request"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval request ID"),
		okapi.DocRequestBody(ResolveRequest{}),
		okapi.DocResponse(EventResponse{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/approvals/{id}", g.handleApprovalCancel,
		okapi.DocSummary("Cancel a pending request as its requester"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval request ID"),
		okapi.DocRequestBody(CancelRequest{}),
		okapi.DocResponse(EventResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/audit", g.handleAuditTail,
		okapi.DocSummary("Read the most recent audit entries"),
		okapi.DocTags("Audit"),
		okapi.DocResponse([]AuditView{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// EventRequest is the JSON body for POST /v1/events.
type EventRequest struct {
	Source    string `json:"source,omitempty"` // "chat" (default), "schedule", "webhook".
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"` // "owner", "admin", "member", "agent".
	Text      string `json:"text"`
}

// EventResponse reports what happened to an event or approval.
type EventResponse struct {
	Status        string `json:"status"`
	TaskID        string `json:"task_id,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	Output        string `json:"output,omitempty"`
	TierUsed      string `json:"tier_used,omitempty"`
	Surfaced      string `json:"surfaced,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

func (g *Gateway) handleEvent(c *okapi.Context) error {
	var req EventRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Text == "" {
		return c.AbortBadRequest("text is required")
	}
	if req.ActorID == "" {
		return c.AbortBadRequest("actor_id is required")
	}

	if g.limiter != nil {
		if err := g.limiter.Admit(c.Context(), "actor:"+req.ActorID); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
			return c.AbortInternalServerError("admission failed")
		}
	}

	source := domain.EventSource(req.Source)
	if req.Source == "" {
		source = domain.SourceChat
	}
	correlationID := newCorrelationID()

	g.logger.Info("http event",
		slog.String("actor_id", req.ActorID),
		slog.String("correlation_id", correlationID),
	)

	rec, err := g.engine.HandleEvent(c.Context(), domain.Event{
		ID:        uuid.New(),
		Source:    source,
		ActorID:   req.ActorID,
		ActorRole: domain.ParseRole(req.ActorRole),
		Text:      req.Text,
		Timestamp: time.Now().UTC(),
	})
	if err != nil && rec == nil {
		g.logger.Error("event processing failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("event processing failed")
	}

	resp := receiptView(rec, correlationID)
	if rec.Status == engine.StatusPending {
		return c.JSON(http.StatusAccepted, resp)
	}
	return c.OK(resp)
}

// ResolveRequest is the JSON body for POST /v1/approvals/{id}.
type ResolveRequest struct {
	Decision     string `json:"decision"` // "approve" or "deny"
	ApproverID   string `json:"approver_id"`
	ApproverRole string `json:"approver_role"` // "owner" or "admin".
}

func (g *Gateway) handleApprovalResolve(c *okapi.Context) error {
	id := c.Param("id")

	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ApproverID == "" {
		return c.AbortBadRequest("approver_id is required")
	}
	decision := warden.DecisionApprove
	switch req.Decision {
	case "approve":
	case "deny":
		decision = warden.DecisionDeny
	default:
		return c.AbortBadRequest("decision must be \"approve\" or \"deny\"")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http approval",
		slog.String("request_id", id),
		slog.String("decision", req.Decision),
		slog.String("approver_id", req.ApproverID),
		slog.String("correlation_id", correlationID),
	)

	rec, err := g.engine.ResolveApproval(c.Context(), id, decision, req.ApproverID, domain.ParseRole(req.ApproverRole))
	if err != nil {
		return approvalError(c, err, correlationID, g.logger)
	}
	return c.OK(receiptView(rec, correlationID))
}

// CancelRequest is the JSON body for DELETE /v1/approvals/{id}.
type CancelRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
}

func (g *Gateway) handleApprovalCancel(c *okapi.Context) error {
	id := c.Param("id")

	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ActorID == "" {
		return c.AbortBadRequest("actor_id is required")
	}

	correlationID := newCorrelationID()
	rec, err := g.engine.CancelApproval(c.Context(), id, req.ActorID, req.Reason)
	if err != nil {
		return approvalError(c, err, correlationID, g.logger)
	}
	return c.OK(receiptView(rec, correlationID))
}

// ApprovalView is the JSON shape of one approval request.
type ApprovalView struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	Label       string    `json:"label"`
	Text        string    `json:"text"`
	ActorID     string    `json:"actor_id"`
	Reasons     []string  `json:"reasons,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	ResolvedBy  string    `json:"resolved_by,omitempty"`
}

func (g *Gateway) handleApprovalList(c *okapi.Context) error {
	state := warden.StatePending
	switch c.Request().URL.Query().Get("state") {
	case "", "pending":
	case "approved":
		state = warden.StateApproved
	case "denied":
		state = warden.StateDenied
	case "expired":
		state = warden.StateExpired
	default:
		return c.AbortBadRequest("unknown state")
	}

	reqs, err := g.warden.List(c.Context(), state)
	if err != nil {
		return c.AbortInternalServerError("listing approvals failed")
	}

	views := make([]ApprovalView, 0, len(reqs))
	for _, r := range reqs {
		views = append(views, ApprovalView{
			ID:          r.ID,
			State:       r.State.String(),
			Label:       r.Intent.Label,
			Text:        r.Event.Text,
			ActorID:     r.Event.ActorID,
			Reasons:     r.Intent.Reasons,
			RequestedAt: r.RequestedAt,
			ExpiresAt:   r.ExpiresAt,
			ResolvedBy:  r.ResolvedBy,
		})
	}
	return c.OK(views)
}

// AuditView is the JSON shape of one audit entry.
type AuditView struct {
	Seq       int64     `json:"seq"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent"`
	Action    string    `json:"action"`
	UserRole  string    `json:"user_role,omitempty"`
	Model     string    `json:"model,omitempty"`
	Outcome   string    `json:"outcome"`
	Escalated bool      `json:"escalated"`
	Note      string    `json:"note,omitempty"`
}

func (g *Gateway) handleAuditTail(c *okapi.Context) error {
	limit := 100
	if v := c.Request().URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = n
	}

	f, err := os.Open(g.config.AuditPath)
	if err != nil {
		return c.AbortInternalServerError("audit log unavailable")
	}
	defer f.Close()

	entries, err := audit.Read(f)
	if err != nil {
		return c.AbortInternalServerError("audit log unreadable")
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	views := make([]AuditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, AuditView{
			Seq:       e.Seq,
			Level:     string(e.Level),
			Timestamp: e.Timestamp,
			Agent:     e.Agent,
			Action:    e.Action,
			UserRole:  string(e.UserRole),
			Model:     e.Model,
			Outcome:   e.Outcome,
			Escalated: e.Escalated,
			Note:      e.Note,
		})
	}
	return c.OK(views)
}

// HealthResponse is the JSON response for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Helpers ---

// authenticate validates the API key with a constant-time comparison.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		ok := false
		for _, key := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				ok = true
			}
		}
		if !ok {
			return c.AbortUnauthorized("invalid API key")
		}
		return next(c)
	}
}

func receiptView(rec *engine.Receipt, correlationID string) EventResponse {
	resp := EventResponse{
		Status:        string(rec.Status),
		RequestID:     rec.RequestID,
		Output:        rec.Output,
		CorrelationID: correlationID,
	}
	if rec.TaskID != uuid.Nil {
		resp.TaskID = rec.TaskID.String()
	}
	if rec.Report != nil {
		resp.TierUsed = string(rec.Report.TierUsed)
		resp.Surfaced = rec.Report.Surfaced
	}
	return resp
}

// approvalError maps warden errors to HTTP responses.
func approvalError(c *okapi.Context, err error, correlationID string, logger *slog.Logger) error {
	switch {
	case errors.Is(err, warden.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "approval request not found"})
	case errors.Is(err, warden.ErrUnauthorized):
		return c.JSON(http.StatusForbidden, okapi.M{"error": "approver role not authorized"})
	case errors.Is(err, warden.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, okapi.M{"error": "approval request already resolved"})
	default:
		logger.Error("approval handling failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("approval handling failed")
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
