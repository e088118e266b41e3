// Package notify closes the loop with requesters: when an approval request
// reaches a terminal state without their involvement, they get a direct
// message saying what happened and why.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"switchyard/internal/connector"
	"switchyard/internal/warden"
)

// Notifier delivers outcome notices over a connector's direct channel.
// Implements warden.Notifier.
type Notifier struct {
	conn   connector.Connector
	logger *slog.Logger
}

// New creates a Notifier sending through the given connector.
func New(conn connector.Connector, logger *slog.Logger) *Notifier {
	return &Notifier{conn: conn, logger: logger}
}

// NotifyRequester tells the original requester about a terminal outcome.
// Delivery failures are logged but never block the state machine: the
// outcome already happened and is already on the audit log.
func (n *Notifier) NotifyRequester(ctx context.Context, req *warden.Request, outcome, reason string) error {
	text := fmt.Sprintf("Your request %q (%s) was %s: %s",
		req.Event.Text, req.Intent.Label, outcome, reason)

	if err := n.conn.SendDirect(ctx, req.Event.ActorID, text); err != nil {
		n.logger.WarnContext(ctx, "requester notification failed",
			slog.String("request_id", req.ID),
			slog.String("user_id", req.Event.ActorID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("notifying %s: %w", req.Event.ActorID, err)
	}
	return nil
}
