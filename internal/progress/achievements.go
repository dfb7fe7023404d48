package progress

import "time"

// AchievementDef pairs an identity with a predicate over the record. The
// catalog exercises every mechanic class: first-time, volume, accuracy,
// session and layer-completion predicates.
type AchievementDef struct {
	ID       string
	Title    string
	XPReward int
	Check    func(r *Record) bool
}

var achievementDefs = []AchievementDef{
	{
		ID:       "first-problem",
		Title:    "First Steps",
		XPReward: 10,
		Check:    func(r *Record) bool { return r.TotalCorrect >= 1 },
	},
	{
		ID:       "first-node",
		Title:    "Node Master",
		XPReward: 25,
		Check: func(r *Record) bool {
			for _, np := range r.Nodes {
				if np.Status == StatusCompleted {
					return true
				}
			}
			return false
		},
	},
	{
		ID:       "first-perfect-session",
		Title:    "Perfect Start",
		XPReward: 30,
		Check: func(r *Record) bool {
			for _, s := range r.SessionHistory {
				if s.ProblemsSolved >= 3 && s.Accuracy == 100 {
					return true
				}
			}
			return false
		},
	},
	{
		ID:       "problem-solver-10",
		Title:    "Problem Solver",
		XPReward: 20,
		Check:    func(r *Record) bool { return r.TotalCorrect >= 10 },
	},
	{
		ID:       "problem-solver-50",
		Title:    "Dedicated Solver",
		XPReward: 100,
		Check:    func(r *Record) bool { return r.TotalCorrect >= 50 },
	},
	{
		ID:       "accuracy-master",
		Title:    "Accuracy Master",
		XPReward: 100,
		Check: func(r *Record) bool {
			return r.TotalAttempted >= 20 && r.TotalCorrect*100 >= r.TotalAttempted*90
		},
	},
	{
		ID:       "nodes-5",
		Title:    "Steady Climber",
		XPReward: 75,
		Check:    func(r *Record) bool { return completedNodes(r) >= 5 },
	},
	{
		ID:       "foundation-complete",
		Title:    "Solid Foundation",
		XPReward: 150,
		Check:    func(r *Record) bool { return layerDone(r, LayerFoundation) },
	},
	{
		ID:       "path-complete",
		Title:    "Path Champion",
		XPReward: 500,
		Check: func(r *Record) bool {
			if len(r.Nodes) == 0 {
				return false
			}
			return completedNodes(r) == len(r.Nodes)
		},
	},
}

func completedNodes(r *Record) int {
	n := 0
	for _, np := range r.Nodes {
		if np.Status == StatusCompleted {
			n++
		}
	}
	return n
}

func layerDone(r *Record, layer string) bool {
	c, ok := r.LayerProgress[layer]
	return ok && c.Total > 0 && c.Completed == c.Total
}

// CheckAndAward evaluates every definition against the record and appends the
// newly satisfied ones. Idempotent: an id already present is never appended
// again, so re-evaluating an unchanged record is a no-op. The award carries
// its XP reward for display; totalXP counts practice XP only, so levels stay
// a function of problems solved rather than badge inflation.
func CheckAndAward(r *Record, now time.Time) []AchievementAward {
	earned := make(map[string]bool, len(r.Achievements))
	for _, a := range r.Achievements {
		earned[a.ID] = true
	}

	var awarded []AchievementAward
	for _, def := range achievementDefs {
		if earned[def.ID] || !def.Check(r) {
			continue
		}
		award := AchievementAward{
			ID:       def.ID,
			Title:    def.Title,
			XPReward: def.XPReward,
			EarnedAt: now,
		}
		r.Achievements = append(r.Achievements, award)
		awarded = append(awarded, award)
	}
	return awarded
}
