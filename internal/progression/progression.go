// Package progression holds the pure XP, level, and milestone math. Nothing
// here is persisted; level and progress are always recomputed from raw XP.
package progression

import "math"

// XP awarded per verified attempt by oracle confidence.
const (
	RewardHigh   = 50
	RewardMedium = 35
	RewardLow    = 20
)

// milestone is one entry in the fixed streak bonus schedule.
type milestone struct {
	streak int
	bonus  int
}

// Exact-value milestones are checked before the generic every-10 rule so a
// streak of 30 or 100 earns its listed bonus once, not twice.
var milestones = []milestone{
	{streak: 3, bonus: 30},
	{streak: 7, bonus: 100},
	{streak: 14, bonus: 150},
	{streak: 30, bonus: 500},
	{streak: 100, bonus: 2000},
}

// MilestoneBonus returns the bonus XP for reaching the given streak value, or
// 0 when the streak matches no schedule entry. At most one bonus applies.
func MilestoneBonus(streak int) int {
	for _, m := range milestones {
		if streak == m.streak {
			return m.bonus
		}
	}
	if streak > 0 && streak%10 == 0 {
		return 50
	}
	return 0
}

// AdvanceStreak applies one verified completion to a habit's streak
// counters. continued reports whether the previous day already holds a
// verified completion; without it the streak restarts at 1. The longest
// streak never decreases.
func AdvanceStreak(streak, longest int, continued bool) (newStreak, newLongest int) {
	newStreak = 1
	if continued {
		newStreak = streak + 1
	}
	newLongest = longest
	if newStreak > newLongest {
		newLongest = newStreak
	}
	return newStreak, newLongest
}

// RewardForConfidence maps an oracle confidence level to base XP.
func RewardForConfidence(confidence string) int {
	switch confidence {
	case "high":
		return RewardHigh
	case "low":
		return RewardLow
	default:
		return RewardMedium
	}
}

// Level computes the level for a raw XP total: floor(1 + sqrt(xp/50)).
func Level(xp int) int {
	if xp < 0 {
		xp = 0
	}
	return int(1 + math.Sqrt(float64(xp)/50))
}

// XPRequiredForLevel returns the XP threshold at which the given level is
// reached: L^2 * 50.
func XPRequiredForLevel(level int) int {
	if level < 0 {
		return 0
	}
	return level * level * 50
}

// ProgressPercent returns how far through the current level the XP total is,
// clamped to [0, 100].
func ProgressPercent(xp int) int {
	if xp < 0 {
		xp = 0
	}
	level := Level(xp)
	lower := XPRequiredForLevel(level - 1)
	upper := XPRequiredForLevel(level)
	if upper <= lower {
		return 0
	}
	percent := int(math.Round(100 * float64(xp-lower) / float64(upper-lower)))
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
