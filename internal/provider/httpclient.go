package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"switchyard/internal/domain"
)

const invokePath = "/v1/invoke"

// Client implements Provider against an HTTP backend speaking the invoke
// protocol: POST /v1/invoke with the task, JSON response with the outcome.
type Client struct {
	name       string
	tier       domain.Tier
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the HTTP provider client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (useful for testing and for the
// governor's bounded per-call timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an HTTP-backed provider for the given tier.
func NewClient(name string, tier domain.Tier, baseURL, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		name:       name,
		tier:       tier,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string      { return c.name }
func (c *Client) Tier() domain.Tier { return c.tier }

type invokeRequest struct {
	TaskID string `json:"task_id"`
	Label  string `json:"label"`
	Text   string `json:"text"`
	Tier   string `json:"tier"`
}

type invokeResponse struct {
	Output     string  `json:"output"`
	TokensUsed int     `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
	Escalate   bool    `json:"escalate"`
	Reason     string  `json:"reason"`
}

// TryInvoke posts the task to the backend. Transport failures (including a
// context deadline from the governor's bounded timeout) come back as
// ErrProviderUnavailable; non-200 responses as ErrProviderError.
func (c *Client) TryInvoke(ctx context.Context, task domain.Task) (*Outcome, error) {
	body, err := json.Marshal(invokeRequest{
		TaskID: task.ID.String(),
		Label:  task.Intent.Label,
		Text:   task.Event.Text,
		Tier:   c.tier.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling invoke request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+invokePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, c.name, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrProviderUnavailable, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d: %s", ErrProviderError, c.name, httpResp.StatusCode, string(respBody))
	}

	var apiResp invokeResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("%w: parsing response: %v", ErrProviderError, err)
	}

	c.logger.DebugContext(ctx, "provider invocation completed",
		slog.String("provider", c.name),
		slog.String("tier", c.tier.String()),
		slog.Bool("escalate", apiResp.Escalate),
		slog.Float64("cost_usd", apiResp.CostUSD),
	)

	out := &Outcome{Escalate: apiResp.Escalate, Reason: apiResp.Reason}
	if !apiResp.Escalate {
		out.Result = &Result{
			Output:     apiResp.Output,
			TokensUsed: apiResp.TokensUsed,
			CostUSD:    apiResp.CostUSD,
		}
	}
	return out, nil
}
