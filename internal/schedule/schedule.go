// Package schedule fires configured events on cron expressions. A
// scheduled event enters the pipeline exactly like a chat message would:
// classification, approval gating, and audit all apply.
//
// Core invariant: scheduled execution is NOT privileged execution. Each
// entry runs as the actor and role it was configured with.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"switchyard/internal/domain"
)

// Entry is one recurring event.
type Entry struct {
	Spec      string // Standard 5-field cron expression.
	ActorID   string
	ActorRole domain.Role
	Text      string
}

// Submitter accepts a scheduled event into the pipeline.
type Submitter interface {
	SubmitEvent(ctx context.Context, event domain.Event) error
}

// Scheduler drives configured entries through a cron runner.
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	logger    *slog.Logger
}

// New creates a Scheduler with no entries.
func New(submitter Submitter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithParser(
			cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		)),
		submitter: submitter,
		logger:    logger,
	}
}

// Add registers an entry. Invalid cron specs fail here, at startup.
func (s *Scheduler) Add(ctx context.Context, e Entry) error {
	if e.Text == "" {
		return fmt.Errorf("schedule entry has no text")
	}
	_, err := s.cron.AddFunc(e.Spec, func() {
		event := domain.Event{
			ID:        uuid.New(),
			Source:    domain.SourceSchedule,
			ActorID:   e.ActorID,
			ActorRole: e.ActorRole,
			Text:      e.Text,
			Timestamp: time.Now().UTC(),
		}
		if err := s.submitter.SubmitEvent(ctx, event); err != nil {
			s.logger.ErrorContext(ctx, "scheduled event failed",
				slog.String("text", e.Text),
				slog.String("actor_id", e.ActorID),
				slog.String("error", err.Error()),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("adding schedule %q: %w", e.Spec, err)
	}
	return nil
}

// Start begins firing entries. Returns a stop function that waits for any
// running entry to finish.
func (s *Scheduler) Start() func() {
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("entries", len(s.cron.Entries())))
	return func() {
		<-s.cron.Stop().Done()
	}
}
