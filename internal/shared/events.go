package shared

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// TransitionEvent is emitted after any committed state transition.
// Delivery is best effort and must never block or fail the core operation.
type TransitionEvent struct {
	ID         uuid.UUID  `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   int64      `json:"entity_id"`
	FromState  string     `json:"from_state"`
	ToState    string     `json:"to_state"`
	ActorID    int64      `json:"actor_id"`
	At         time.Time  `json:"at"`
}

// EventSink receives transition events after commit.
type EventSink interface {
	Emit(ctx context.Context, evt TransitionEvent)
}

// TaskTypeNotify is the asynq task carrying a transition event to the
// notification dispatcher.
const TaskTypeNotify = "notify:transition"

// AsynqSink enqueues transition events as background notification tasks.
type AsynqSink struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewAsynqSink constructs an AsynqSink.
func NewAsynqSink(client *asynq.Client, logger *slog.Logger) *AsynqSink {
	return &AsynqSink{client: client, logger: logger}
}

// Emit enqueues the event. Failures are logged and dropped.
func (s *AsynqSink) Emit(ctx context.Context, evt TransitionEvent) {
	if s == nil || s.client == nil {
		return
	}
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("marshal transition event", slog.Any("error", err))
		return
	}
	if _, err := s.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeNotify, payload)); err != nil {
		s.logger.Warn("enqueue transition event",
			slog.String("entity", EntityRef{Type: evt.EntityType, ID: evt.EntityID}.String()),
			slog.Any("error", err))
	}
}

// LogSink writes transition events to the logger. Used in development and
// as the fallback when no queue is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit logs the event.
func (s *LogSink) Emit(_ context.Context, evt TransitionEvent) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Info("state transition",
		slog.String("entity_type", string(evt.EntityType)),
		slog.Int64("entity_id", evt.EntityID),
		slog.String("from", evt.FromState),
		slog.String("to", evt.ToState),
		slog.Int64("actor_id", evt.ActorID))
}
