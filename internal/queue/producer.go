package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const publishTimeout = 5 * time.Second

// Producer publishes sync telemetry events.
type Producer struct {
	conn *Connection
}

// NewProducer creates a new queue producer.
func NewProducer(conn *Connection) *Producer {
	return &Producer{conn: conn}
}

// PublishSyncEvent publishes one telemetry event.
func (p *Producer) PublishSyncEvent(ctx context.Context, event *SyncEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	if err := p.conn.PublishJSON(ctx, SyncEventQueueName, event); err != nil {
		return fmt.Errorf("failed to publish sync event: %w", err)
	}

	slog.Debug("published sync event",
		"event_id", event.ID,
		"event", event.Event,
		"user_id", event.UserID,
		"topic_id", event.TopicID,
	)

	return nil
}

// SyncEvent satisfies the scheduler's telemetry sink. Publish failures are
// logged and dropped; telemetry must never disturb the sync path.
func (p *Producer) SyncEvent(event string, userID, topicID string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err := p.PublishSyncEvent(ctx, &SyncEvent{
		Event:   event,
		UserID:  userID,
		TopicID: topicID,
	})
	if err != nil {
		slog.Warn("dropping sync event", "event", event, "error", err)
	}
}
