package logging

import (
	"log/slog"
	"time"
)

// MessageLogger provides structured logging for entry lifecycle events
type MessageLogger struct {
	logger *slog.Logger
}

// NewMessageLogger creates a new message logger
func NewMessageLogger(logger *slog.Logger) *MessageLogger {
	return &MessageLogger{
		logger: logger.With("component", "entry-lifecycle"),
	}
}

// EntryContext contains what is known about an entry at the time of an event
type EntryContext struct {
	EntryID   int64
	MessageID int64
	GroupID   *int64
	Email     string
	Priority  int
	After     *int64
	Retries   int
	Attempt   time.Time
	Duration  time.Duration
	Error     string
	Reason    string
}

func (c EntryContext) group() any {
	if c.GroupID == nil {
		return nil
	}
	return *c.GroupID
}

// LogQueued logs an entry admitted into the queue
func (ml *MessageLogger) LogQueued(ctx EntryContext) {
	attrs := []any{
		"event_type", "queued",
		"entry_id", ctx.EntryID,
		"message_id", ctx.MessageID,
		"group_id", ctx.group(),
		"to", ctx.Email,
		"priority", ctx.Priority,
		"retries", ctx.Retries,
	}
	if ctx.After != nil {
		attrs = append(attrs, "after", time.Unix(*ctx.After, 0).Format(time.RFC3339))
	}
	ml.logger.Debug("entry_queued", attrs...)
}

// LogSent logs a successful delivery
func (ml *MessageLogger) LogSent(ctx EntryContext) {
	ml.logger.Info("entry_sent",
		"event_type", "sent",
		"entry_id", ctx.EntryID,
		"message_id", ctx.MessageID,
		"group_id", ctx.group(),
		"to", ctx.Email,
		"delivery_time", ctx.Attempt.Format(time.RFC3339),
		"duration_ms", ctx.Duration.Milliseconds(),
	)
}

// LogRequeued logs a failed attempt that will be retried
func (ml *MessageLogger) LogRequeued(ctx EntryContext) {
	ml.logger.Warn("entry_requeued",
		"event_type", "requeued",
		"entry_id", ctx.EntryID,
		"message_id", ctx.MessageID,
		"group_id", ctx.group(),
		"to", ctx.Email,
		"retries_left", ctx.Retries,
		"error", ctx.Error,
		"reason", ctx.Reason,
	)
}

// LogFailed logs a failed attempt with no retries left
func (ml *MessageLogger) LogFailed(ctx EntryContext) {
	ml.logger.Error("entry_failed",
		"event_type", "failed",
		"entry_id", ctx.EntryID,
		"message_id", ctx.MessageID,
		"group_id", ctx.group(),
		"to", ctx.Email,
		"error", ctx.Error,
		"duration_ms", ctx.Duration.Milliseconds(),
	)
}

// LogDropped logs an entry discarded without a delivery attempt, e.g. when
// its message is gone or its group was deactivated.
func (ml *MessageLogger) LogDropped(ctx EntryContext) {
	ml.logger.Warn("entry_dropped",
		"event_type", "dropped",
		"entry_id", ctx.EntryID,
		"message_id", ctx.MessageID,
		"group_id", ctx.group(),
		"to", ctx.Email,
		"reason", ctx.Reason,
	)
}
