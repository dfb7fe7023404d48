package progress

import "math"

// XP awards. Fixed table; callers never invent amounts.
const (
	XPProblemCorrect = 10 // every correct answer
	XPFirstTryBonus  = 5  // correct on the first attempt
	XPNodeComplete   = 50 // flat bonus when a node completes
)

// Level maps total XP onto a level. Pure and monotonic non-decreasing: level 1
// at 100 XP, 2 at 400, 3 at 900, and so on quadratically.
func Level(totalXP int) int {
	if totalXP <= 0 {
		return 0
	}
	return int(math.Sqrt(float64(totalXP) / 100.0))
}

// XPForLevel returns the minimum XP at which the given level is reached.
func XPForLevel(level int) int {
	if level <= 0 {
		return 0
	}
	return level * level * 100
}

// LevelProgress reports how far into the current level the XP total sits, as
// a 0-100 percentage toward the next level.
func LevelProgress(totalXP int) int {
	level := Level(totalXP)
	floor := XPForLevel(level)
	ceil := XPForLevel(level + 1)
	if ceil == floor {
		return 0
	}
	return (totalXP - floor) * 100 / (ceil - floor)
}

// AttemptXP returns the XP for one answered problem.
func AttemptXP(correct, firstTry bool) int {
	if !correct {
		return 0
	}
	xp := XPProblemCorrect
	if firstTry {
		xp += XPFirstTryBonus
	}
	return xp
}
