package engine

import (
	"context"
	"fmt"
	"strings"

	"switchyard/internal/domain"
	"switchyard/internal/governor"
	"switchyard/internal/router"
)

// OpsHandler executes operational intents through the connector's gated
// surface. It never talks to a model provider.
type OpsHandler struct{}

func (OpsHandler) Name() string { return "ops" }

func (OpsHandler) Handle(ctx context.Context, task domain.Task, tk Toolkit) (*governor.Report, string, error) {
	switch task.Intent.Label {
	case "ops/ban-user":
		target := mention(task.Event.Text)
		if target == "" {
			return nil, "", fmt.Errorf("ban request %q names no user", task.Event.Text)
		}
		if err := tk.Connector.BanUser(ctx, target, tk.Ticket); err != nil {
			return nil, "", fmt.Errorf("banning %s: %w", target, err)
		}
		return nil, fmt.Sprintf("banned %s", target), nil

	case "ops/deploy-prod":
		target := lastWord(task.Event.Text)
		if err := tk.Connector.Deploy(ctx, target, tk.Ticket); err != nil {
			return nil, "", fmt.Errorf("deploying %s: %w", target, err)
		}
		return nil, fmt.Sprintf("deploy of %s started", target), nil

	default:
		return nil, "", fmt.Errorf("ops handler cannot execute %q", task.Intent.Label)
	}
}

// ModelHandler routes intents that need model work through the escalation
// governor and relays the result.
type ModelHandler struct {
	// Domain is the handler name this instance answers for ("dev", "chat").
	Domain string
}

func (h ModelHandler) Name() string { return h.Domain }

func (h ModelHandler) Handle(ctx context.Context, task domain.Task, tk Toolkit) (*governor.Report, string, error) {
	rep, err := tk.Governor.Run(ctx, task)
	if err != nil {
		return rep, "", fmt.Errorf("running task %s: %w", task.ID, err)
	}
	if rep.Outcome != governor.OutcomeSuccess {
		return rep, "", fmt.Errorf("task %s ended %s: %s", task.ID, rep.Outcome, rep.Surfaced)
	}
	return rep, rep.Result.Output, nil
}

// ClarifyHandler answers events the switchboard could not place. Routing
// normally short-circuits these before dispatch; the handler exists so a
// table can target it explicitly.
type ClarifyHandler struct{}

func (ClarifyHandler) Name() string { return router.HandlerClarify }

func (ClarifyHandler) Handle(ctx context.Context, task domain.Task, tk Toolkit) (*governor.Report, string, error) {
	msg := fmt.Sprintf("I could not work out what %q should do. Can you rephrase?", task.Event.Text)
	if err := tk.Connector.SendDirect(ctx, task.Event.ActorID, msg); err != nil {
		return nil, "", err
	}
	return nil, msg, nil
}

// mention returns the first @-prefixed token in text.
func mention(text string) string {
	for _, tok := range strings.Fields(text) {
		if strings.HasPrefix(tok, "@") && len(tok) > 1 {
			return strings.TrimRight(tok, ".,!?")
		}
	}
	return ""
}

// lastWord returns the final token, stripping trailing punctuation.
func lastWord(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimRight(fields[len(fields)-1], ".,!?")
}
