package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorpath/tutorpath/internal/progress"
)

// Schema creates the progress table. Applied by deployment tooling and the
// integration test setup.
const Schema = `
CREATE TABLE IF NOT EXISTS progress_records (
	user_id      TEXT NOT NULL,
	topic_id     TEXT NOT NULL,
	record       JSONB NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, topic_id)
)`

// PostgresStore implements RemoteStore on PostgreSQL. Records are stored as
// JSON blobs with last_updated denormalized for server-side inspection; the
// blob is authoritative.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a remote store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get retrieves the record for one learner and topic, (nil, nil) when absent.
// A stored blob that fails validation is an error, not a default record.
func (s *PostgresStore) Get(ctx context.Context, userID, topicID string) (*progress.Record, error) {
	query := `
		SELECT record FROM progress_records
		WHERE user_id = $1 AND topic_id = $2
	`
	var data []byte
	err := s.pool.QueryRow(ctx, query, userID, topicID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress %s/%s: %w", userID, topicID, err)
	}
	return progress.Decode(data)
}

// Put upserts the record.
func (s *PostgresStore) Put(ctx context.Context, userID, topicID string, rec *progress.Record) error {
	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode progress %s/%s: %w", userID, topicID, err)
	}
	query := `
		INSERT INTO progress_records (user_id, topic_id, record, last_updated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, topic_id)
		DO UPDATE SET record = EXCLUDED.record, last_updated = EXCLUDED.last_updated
	`
	_, err = s.pool.Exec(ctx, query, userID, topicID, data, rec.LastUpdated)
	if err != nil {
		return fmt.Errorf("put progress %s/%s: %w", userID, topicID, err)
	}
	return nil
}

var _ RemoteStore = (*PostgresStore)(nil)
