package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tutorpath/tutorpath/internal/progress"
)

// Key identifies one learner's progress on one topic.
type Key struct {
	UserID  string
	TopicID string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.UserID, k.TopicID)
}

// RemoteStore is the remote persistence boundary. Get returns (nil, nil) for
// an absent record. Neither call retries internally; retry policy belongs to
// the caller.
type RemoteStore interface {
	Get(ctx context.Context, userID, topicID string) (*progress.Record, error)
	Put(ctx context.Context, userID, topicID string, rec *progress.Record) error
}

// PushWithRetry pushes one snapshot with a bounded retry, used by the
// shutdown drain path where the next debounced push will never come.
// The scheduler itself never retries.
func PushWithRetry(ctx context.Context, remote RemoteStore, key Key, rec *progress.Record, attempts int, delay time.Duration, logger *slog.Logger) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		lastErr = remote.Put(ctx, key.UserID, key.TopicID, rec)
		if lastErr == nil {
			return nil
		}
		if logger != nil {
			logger.Warn("remote push failed",
				"key", key.String(),
				"attempt", i,
				"error", lastErr)
		}
		if i < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("push %s after %d attempts: %w", key.String(), attempts, lastErr)
}
