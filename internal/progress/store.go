package progress

import (
	"errors"
	"fmt"

	"github.com/tutorpath/tutorpath/internal/storage"
)

// Store persists progress records through the KV boundary. Load is fail
// closed: a stored blob that does not decode into a valid record surfaces as
// an error rather than a default-constructed record.
type Store struct {
	kv storage.KV
}

// NewStore creates a progress store over any KV backend.
func NewStore(kv storage.KV) *Store {
	return &Store{kv: kv}
}

func recordKey(userID, topicID string) string {
	return fmt.Sprintf("progress/%s/%s", userID, topicID)
}

// Load retrieves the record for one learner and topic. Absent records return
// storage.ErrNotFound.
func (s *Store) Load(userID, topicID string) (*Record, error) {
	data, err := s.kv.Get(recordKey(userID, topicID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("load progress %s/%s: %w", userID, topicID, err)
	}
	return Decode(data)
}

// Save persists the record.
func (s *Store) Save(userID, topicID string, rec *Record) error {
	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode progress %s/%s: %w", userID, topicID, err)
	}
	if err := s.kv.Set(recordKey(userID, topicID), data); err != nil {
		return fmt.Errorf("save progress %s/%s: %w", userID, topicID, err)
	}
	return nil
}

// Delete removes the record.
func (s *Store) Delete(userID, topicID string) error {
	return s.kv.Delete(recordKey(userID, topicID))
}
