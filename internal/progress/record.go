package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion tags every persisted record. Decoding rejects records with an
// unrecognized version instead of guessing at their shape.
const SchemaVersion = 1

var (
	ErrSchemaVersion = errors.New("unsupported schema version")
	ErrInvalidRecord = errors.New("invalid progress record")
)

// Node status lifecycle: locked -> current -> completed. Never regresses.
const (
	StatusLocked    = "locked"
	StatusCurrent   = "current"
	StatusCompleted = "completed"
)

// Layer names for path nodes, ordered by difficulty.
const (
	LayerFoundation   = "foundation"
	LayerIntegration  = "integration"
	LayerApplication  = "application"
	LayerExamPractice = "examPractice"
)

// Node describes one unit of practice content from the topic configuration.
// It is config, not progress: RequiredCorrect gates completion.
type Node struct {
	ID              string `json:"id" yaml:"id"`
	Title           string `json:"title" yaml:"title"`
	Layer           string `json:"layer" yaml:"layer"`
	RequiredCorrect int    `json:"required_correct" yaml:"required_correct"`
}

// NodeProgress tracks a learner's state on one node.
type NodeProgress struct {
	NodeID            string     `json:"node_id"`
	ProblemsAttempted int        `json:"problems_attempted"`
	ProblemsCorrect   int        `json:"problems_correct"`
	Status            string     `json:"status"`
	TimeSpentSeconds  int        `json:"time_spent_seconds"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// DailySession accumulates one local calendar day of practice. The date is a
// YYYY-MM-DD string in the learner's local zone; today's entry is mutated in
// place, older entries are frozen.
type DailySession struct {
	Date             string `json:"date"`
	ProblemsSolved   int    `json:"problems_solved"`
	TimeSpentSeconds int    `json:"time_spent_seconds"`
	XPEarned         int    `json:"xp_earned"`
	Accuracy         int    `json:"accuracy"` // 0-100, derived from record totals
}

// AchievementAward is immutable once appended. Uniqueness by ID is the
// idempotence guarantee for awarding.
type AchievementAward struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	XPReward int       `json:"xp_reward"`
	EarnedAt time.Time `json:"earned_at"`
}

// LayerCount tracks completion within one path layer.
type LayerCount struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// WeeklyStats is a rolling 7-day aggregate recomputed from session history.
type WeeklyStats struct {
	ProblemsSolved   int `json:"problems_solved"`
	TimeSpentSeconds int `json:"time_spent_seconds"`
	XPEarned         int `json:"xp_earned"`
	AverageAccuracy  int `json:"average_accuracy"`
}

// Record is the unit of progress for one learner on one topic. It is the only
// shared mutable state in the system and is single-writer by caller contract;
// the sync scheduler only ever sees deep copies.
type Record struct {
	SchemaVersion  int                      `json:"schema_version"`
	TopicID        string                   `json:"topic_id"`
	Nodes          map[string]*NodeProgress `json:"nodes"`
	TotalAttempted int                      `json:"total_attempted"`
	TotalCorrect   int                      `json:"total_correct"`
	TotalXP        int                      `json:"total_xp"`
	CurrentLevel   int                      `json:"current_level"`
	Achievements   []AchievementAward       `json:"achievements"`
	SessionHistory []DailySession           `json:"session_history"`
	LayerProgress  map[string]LayerCount    `json:"layer_progress"`
	Weekly         WeeklyStats              `json:"weekly_stats"`
	StartedAt      time.Time                `json:"started_at"`
	LastUpdated    time.Time                `json:"last_updated"`
}

// NewRecord initializes progress for a path. In unified mode every node starts
// current (all accessible); otherwise the first node is current and the rest
// locked. Defaults are applied here and only here: decoding an existing record
// never fills gaps silently.
func NewRecord(topicID string, nodes []Node, unified bool) *Record {
	now := time.Now()
	rec := &Record{
		SchemaVersion:  SchemaVersion,
		TopicID:        topicID,
		Nodes:          make(map[string]*NodeProgress, len(nodes)),
		Achievements:   []AchievementAward{},
		SessionHistory: []DailySession{},
		StartedAt:      now,
		LastUpdated:    now,
	}
	for i, n := range nodes {
		status := StatusLocked
		if unified || i == 0 {
			status = StatusCurrent
		}
		rec.Nodes[n.ID] = &NodeProgress{NodeID: n.ID, Status: status}
	}
	rec.LayerProgress = layerProgress(nodes, rec.Nodes)
	return rec
}

// SyncNodes adds nodes introduced in the topic configuration after this record
// was created. Earned progress is never disturbed; new nodes appear current.
// Returns the number of nodes added.
func (r *Record) SyncNodes(nodes []Node) int {
	added := 0
	for _, n := range nodes {
		if _, ok := r.Nodes[n.ID]; ok {
			continue
		}
		r.Nodes[n.ID] = &NodeProgress{NodeID: n.ID, Status: StatusCurrent}
		added++
	}
	if added > 0 {
		r.LayerProgress = layerProgress(nodes, r.Nodes)
		r.LastUpdated = time.Now()
	}
	return added
}

// Clone returns a deep copy. The sync scheduler snapshots through this so an
// in-flight push can never observe a later mutation.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Nodes = make(map[string]*NodeProgress, len(r.Nodes))
	for id, np := range r.Nodes {
		n := *np
		if np.CompletedAt != nil {
			t := *np.CompletedAt
			n.CompletedAt = &t
		}
		cp.Nodes[id] = &n
	}
	cp.Achievements = append([]AchievementAward(nil), r.Achievements...)
	cp.SessionHistory = append([]DailySession(nil), r.SessionHistory...)
	cp.LayerProgress = make(map[string]LayerCount, len(r.LayerProgress))
	for l, c := range r.LayerProgress {
		cp.LayerProgress[l] = c
	}
	return &cp
}

// Validate checks the record's internal invariants.
func (r *Record) Validate() error {
	if r.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: %d", ErrSchemaVersion, r.SchemaVersion)
	}
	if r.TopicID == "" {
		return fmt.Errorf("%w: empty topic id", ErrInvalidRecord)
	}
	if r.TotalAttempted < 0 || r.TotalCorrect < 0 || r.TotalCorrect > r.TotalAttempted {
		return fmt.Errorf("%w: counters attempted=%d correct=%d", ErrInvalidRecord, r.TotalAttempted, r.TotalCorrect)
	}
	if r.TotalXP < 0 {
		return fmt.Errorf("%w: negative xp", ErrInvalidRecord)
	}
	for id, np := range r.Nodes {
		if np == nil || np.NodeID != id {
			return fmt.Errorf("%w: node %q id mismatch", ErrInvalidRecord, id)
		}
		if np.ProblemsCorrect < 0 || np.ProblemsCorrect > np.ProblemsAttempted {
			return fmt.Errorf("%w: node %q counters", ErrInvalidRecord, id)
		}
		switch np.Status {
		case StatusLocked, StatusCurrent, StatusCompleted:
		default:
			return fmt.Errorf("%w: node %q status %q", ErrInvalidRecord, id, np.Status)
		}
	}
	seen := make(map[string]bool, len(r.Achievements))
	for _, a := range r.Achievements {
		if seen[a.ID] {
			return fmt.Errorf("%w: duplicate achievement %q", ErrInvalidRecord, a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// Encode serializes the record for the KV and remote boundaries.
func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a persisted record and fails closed: a record that does not
// validate is a decode error, not a half-usable value.
func Decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode progress record: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

func layerProgress(nodes []Node, progress map[string]*NodeProgress) map[string]LayerCount {
	lp := map[string]LayerCount{
		LayerFoundation:   {},
		LayerIntegration:  {},
		LayerApplication:  {},
		LayerExamPractice: {},
	}
	for _, n := range nodes {
		c := lp[n.Layer]
		c.Total++
		if np, ok := progress[n.ID]; ok && np.Status == StatusCompleted {
			c.Completed++
		}
		lp[n.Layer] = c
	}
	return lp
}
