package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Webhook delivers every operation as an HTTP POST to a configured
// endpoint, which is expected to carry it out (post to chat, run the ban,
// start the deploy). Gated operations include the approval ticket in the
// payload so the receiving side can double-check it.
type Webhook struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhook creates a webhook connector for the endpoint.
func NewWebhook(endpoint, token string, logger *slog.Logger) *Webhook {
	return &Webhook{
		endpoint: endpoint,
		token:    token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			// Do not follow redirects, prevents SSRF via redirect to internal hosts.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) SendMessage(ctx context.Context, channel, text string) error {
	return w.post(ctx, map[string]any{"op": "message", "channel": channel, "text": text})
}

func (w *Webhook) SendDirect(ctx context.Context, userID, text string) error {
	return w.post(ctx, map[string]any{"op": "direct", "user_id": userID, "text": text})
}

func (w *Webhook) BanUser(ctx context.Context, userID string, ticket Ticket) error {
	if !ticket.valid() {
		return fmt.Errorf("%w: ban %s", ErrTicketRequired, userID)
	}
	return w.post(ctx, map[string]any{
		"op": "ban", "user_id": userID,
		"request_id": ticket.RequestID, "approved_by": ticket.ApprovedBy,
	})
}

func (w *Webhook) Deploy(ctx context.Context, target string, ticket Ticket) error {
	if !ticket.valid() {
		return fmt.Errorf("%w: deploy %s", ErrTicketRequired, target)
	}
	return w.post(ctx, map[string]any{
		"op": "deploy", "target": target,
		"request_id": ticket.RequestID, "approved_by": ticket.ApprovedBy,
	})
}

func (w *Webhook) post(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		w.logger.WarnContext(ctx, "webhook rejected operation",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(respBody)),
		)
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
