package engine

import (
	"context"
	"time"

	"github.com/andi/reelflow/backend/models"
	"github.com/rs/zerolog"
)

// events fans a project event out to zerolog, the persisted project log and live listeners,
// and delivers notifications without blocking the caller.
type events struct {
	store         Store
	notifier      Notifier
	listener      LogListener
	notifyTimeout time.Duration
	logger        zerolog.Logger
}

func (ev *events) log(ctx context.Context, projectID, level string, stepID *int, source, message string) {
	var event *zerolog.Event
	switch level {
	case models.LogLevelError:
		event = ev.logger.Error()
	case models.LogLevelWarn:
		event = ev.logger.Warn()
	default:
		event = ev.logger.Info()
	}
	event = event.Str("project", projectID).Str("source", source)
	if stepID != nil {
		event = event.Int("step", *stepID)
	}
	event.Msg(message)

	entry := &models.LogEntry{
		ProjectID: projectID,
		Level:     level,
		StepID:    stepID,
		Source:    source,
		Message:   message,
		CreatedAt: time.Now(),
	}
	if err := ev.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		ev.logger.Warn().Err(err).Str("project", projectID).Msg("failed to persist log entry")
		return
	}
	if ev.listener != nil {
		ev.listener(entry)
	}
}

// notify is fire-and-forget; failures are logged and swallowed
func (ev *events) notify(projectID, message string) {
	if ev.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ev.notifyTimeout)
		defer cancel()
		if err := ev.notifier.Notify(ctx, message); err != nil {
			ev.logger.Warn().Err(err).Str("project", projectID).Msg("notification failed")
		}
	}()
}
