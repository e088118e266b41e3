// Package connector defines the outbound capability surface handlers act
// through. Ordinary messaging is always available; destructive operations
// (bans, production deploys) additionally demand a Ticket minted from an
// approved request, so a handler cannot reach them on its own authority.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrTicketRequired is returned when a gated operation is invoked without
// proof of approval.
var ErrTicketRequired = errors.New("gated operation requires an approval ticket")

// Ticket is proof that a specific request was approved. Only the engine
// mints tickets, and only from requests in the approved state.
type Ticket struct {
	RequestID  string
	Label      string
	ApprovedBy string
}

func (t Ticket) valid() bool {
	return t.RequestID != "" && t.ApprovedBy != ""
}

// Connector is one outbound integration (chat workspace, ops backend).
type Connector interface {
	// Name returns the integration identifier ("loopback", "webhook", …).
	Name() string
	// SendMessage posts text to a shared channel.
	SendMessage(ctx context.Context, channel, text string) error
	// SendDirect delivers text to a single user.
	SendDirect(ctx context.Context, userID, text string) error
	// BanUser removes a user from the workspace. Gated.
	BanUser(ctx context.Context, userID string, ticket Ticket) error
	// Deploy pushes the named target to production. Gated.
	Deploy(ctx context.Context, target string, ticket Ticket) error
}

// Loopback records every operation in memory. It backs local development
// and tests, where side effects should be observable but not real.
type Loopback struct {
	logger *slog.Logger

	mu      sync.Mutex
	Sent    []string // "<channel>: <text>"
	Directs []string // "<user>: <text>"
	Banned  []string
	Deploys []string
}

// NewLoopback creates an in-memory connector.
func NewLoopback(logger *slog.Logger) *Loopback {
	return &Loopback{logger: logger}
}

func (l *Loopback) Name() string { return "loopback" }

func (l *Loopback) SendMessage(ctx context.Context, channel, text string) error {
	l.mu.Lock()
	l.Sent = append(l.Sent, channel+": "+text)
	l.mu.Unlock()
	l.logger.InfoContext(ctx, "message sent", slog.String("channel", channel))
	return nil
}

func (l *Loopback) SendDirect(ctx context.Context, userID, text string) error {
	l.mu.Lock()
	l.Directs = append(l.Directs, userID+": "+text)
	l.mu.Unlock()
	l.logger.InfoContext(ctx, "direct message sent", slog.String("user_id", userID))
	return nil
}

func (l *Loopback) BanUser(ctx context.Context, userID string, ticket Ticket) error {
	if !ticket.valid() {
		return fmt.Errorf("%w: ban %s", ErrTicketRequired, userID)
	}
	l.mu.Lock()
	l.Banned = append(l.Banned, userID)
	l.mu.Unlock()
	l.logger.InfoContext(ctx, "user banned",
		slog.String("user_id", userID),
		slog.String("request_id", ticket.RequestID),
		slog.String("approved_by", ticket.ApprovedBy),
	)
	return nil
}

func (l *Loopback) Deploy(ctx context.Context, target string, ticket Ticket) error {
	if !ticket.valid() {
		return fmt.Errorf("%w: deploy %s", ErrTicketRequired, target)
	}
	l.mu.Lock()
	l.Deploys = append(l.Deploys, target)
	l.mu.Unlock()
	l.logger.InfoContext(ctx, "deploy triggered",
		slog.String("target", target),
		slog.String("request_id", ticket.RequestID),
	)
	return nil
}
