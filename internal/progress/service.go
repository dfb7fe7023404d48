package progress

import (
	"sort"
	"time"
)

// RecordAttempt applies one answered problem to the record: counters, XP,
// level, today's session, achievements, lastUpdated. Synchronous, in-place,
// no internal locking; callers serialize mutations per record.
func RecordAttempt(rec *Record, nodeID string, correct bool, allNodes []Node, firstTry bool) {
	now := time.Now()

	rec.TotalAttempted++
	np := rec.Nodes[nodeID]
	if np != nil {
		np.ProblemsAttempted++
	}

	xpEarned := 0
	if correct {
		rec.TotalCorrect++
		if np != nil {
			np.ProblemsCorrect++
		}
		xpEarned = AttemptXP(true, firstTry)
		rec.TotalXP += xpEarned
		if lvl := Level(rec.TotalXP); lvl > rec.CurrentLevel {
			rec.CurrentLevel = lvl
		}
	}

	updateTodaySession(rec, now, xpEarned, correct)
	CheckAndAward(rec, now)
	rec.LayerProgress = layerProgress(allNodes, rec.Nodes)
	rec.LastUpdated = now
}

// CompleteNode marks the node completed, grants the flat completion bonus and
// re-runs achievement evaluation, since layer-completion predicates depend on
// aggregate node state. Completion never regresses: a completed node stays
// completed.
func CompleteNode(rec *Record, nodeID string, allNodes []Node) {
	np := rec.Nodes[nodeID]
	if np == nil || np.Status == StatusCompleted {
		return
	}
	now := time.Now()

	np.Status = StatusCompleted
	np.CompletedAt = &now

	rec.TotalXP += XPNodeComplete
	if lvl := Level(rec.TotalXP); lvl > rec.CurrentLevel {
		rec.CurrentLevel = lvl
	}

	unlockNext(rec, nodeID, allNodes)
	rec.LayerProgress = layerProgress(allNodes, rec.Nodes)
	CheckAndAward(rec, now)
	rec.LastUpdated = now
}

// AddTimeSpent attributes practice time to a node and to today's session.
func AddTimeSpent(rec *Record, nodeID string, seconds int) {
	if seconds <= 0 {
		return
	}
	now := time.Now()
	if np := rec.Nodes[nodeID]; np != nil {
		np.TimeSpentSeconds += seconds
	}
	today := localDate(now)
	for i := range rec.SessionHistory {
		if rec.SessionHistory[i].Date == today {
			rec.SessionHistory[i].TimeSpentSeconds += seconds
			break
		}
	}
	updateWeeklyStats(rec, now)
	rec.LastUpdated = now
}

// unlockNext promotes the first still-locked node after the completed one.
// In unified mode no node is ever locked, so this is a no-op there.
func unlockNext(rec *Record, completedID string, allNodes []Node) {
	found := false
	for _, n := range allNodes {
		if n.ID == completedID {
			found = true
			continue
		}
		if !found {
			continue
		}
		if np := rec.Nodes[n.ID]; np != nil && np.Status == StatusLocked {
			np.Status = StatusCurrent
			return
		}
	}
}

func localDate(t time.Time) string {
	return t.Local().Format("2006-01-02")
}

// updateTodaySession finds or creates today's session entry, mutates it in
// place, refreshes its accuracy from the record totals, and prunes history to
// the most recent 30 days.
func updateTodaySession(rec *Record, now time.Time, xpEarned int, solved bool) {
	today := localDate(now)

	idx := -1
	for i := range rec.SessionHistory {
		if rec.SessionHistory[i].Date == today {
			idx = i
			break
		}
	}
	if idx == -1 {
		rec.SessionHistory = append(rec.SessionHistory, DailySession{Date: today})
		idx = len(rec.SessionHistory) - 1
	}

	sess := &rec.SessionHistory[idx]
	if solved {
		sess.ProblemsSolved++
	}
	sess.XPEarned += xpEarned
	if rec.TotalAttempted > 0 {
		sess.Accuracy = rec.TotalCorrect * 100 / rec.TotalAttempted
	}

	sort.Slice(rec.SessionHistory, func(i, j int) bool {
		return rec.SessionHistory[i].Date < rec.SessionHistory[j].Date
	})
	if len(rec.SessionHistory) > 30 {
		rec.SessionHistory = rec.SessionHistory[len(rec.SessionHistory)-30:]
	}

	updateWeeklyStats(rec, now)
}

// updateWeeklyStats recomputes the rolling 7-day aggregate from session
// history.
func updateWeeklyStats(rec *Record, now time.Time) {
	weekAgo := localDate(now.AddDate(0, 0, -7))

	var stats WeeklyStats
	sessions := 0
	accuracySum := 0
	for _, s := range rec.SessionHistory {
		if s.Date < weekAgo {
			continue
		}
		sessions++
		stats.ProblemsSolved += s.ProblemsSolved
		stats.TimeSpentSeconds += s.TimeSpentSeconds
		stats.XPEarned += s.XPEarned
		accuracySum += s.Accuracy
	}
	if sessions > 0 {
		stats.AverageAccuracy = accuracySum / sessions
	}
	rec.Weekly = stats
}

// Stats is the derived summary served to the UI.
type Stats struct {
	TotalAttempted int                   `json:"total_attempted"`
	TotalCorrect   int                   `json:"total_correct"`
	Accuracy       int                   `json:"accuracy"` // 0-100
	TotalXP        int                   `json:"total_xp"`
	CurrentLevel   int                   `json:"current_level"`
	LevelProgress  int                   `json:"level_progress"` // 0-100 toward next level
	NodesCompleted int                   `json:"nodes_completed"`
	NodesTotal     int                   `json:"nodes_total"`
	LayerProgress  map[string]LayerCount `json:"layer_progress"`
	Weekly         WeeklyStats           `json:"weekly_stats"`
	Achievements   int                   `json:"achievements"`
}

// DeriveStats computes the summary without mutating the record.
func DeriveStats(rec *Record) Stats {
	st := Stats{
		TotalAttempted: rec.TotalAttempted,
		TotalCorrect:   rec.TotalCorrect,
		TotalXP:        rec.TotalXP,
		CurrentLevel:   rec.CurrentLevel,
		LevelProgress:  LevelProgress(rec.TotalXP),
		NodesCompleted: completedNodes(rec),
		NodesTotal:     len(rec.Nodes),
		LayerProgress:  rec.LayerProgress,
		Weekly:         rec.Weekly,
		Achievements:   len(rec.Achievements),
	}
	if rec.TotalAttempted > 0 {
		st.Accuracy = rec.TotalCorrect * 100 / rec.TotalAttempted
	}
	return st
}
