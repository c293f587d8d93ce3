package store

import "time"

type User struct {
	ID          string
	DisplayName string
	XP          int
	CreatedAt   time.Time
}

type Habit struct {
	ID                string
	UserID            string
	Name              string
	Description       string
	ProofRequirements string
	FrequencyType     string
	FrequencyCount    int
	Streak            int
	LongestStreak     int
	TotalCompletions  int
	CreatedAt         time.Time
}

// Completion is one verification attempt, verified or rejected. Rows are
// immutable once written; a rejected attempt is never edited into a verified
// one, a new row is written instead.
type Completion struct {
	ID            string
	HabitID       string
	UserID        string
	CompletedDate string
	EvidenceRef   string
	Note          string
	Status        string
	Explanation   string
	XPEarned      int
	CreatedAt     time.Time
}

// Completion statuses.
const (
	StatusVerified = "VERIFIED"
	StatusRejected = "REJECTED"
)

// LedgerResult is the aggregate state after a verified completion was applied.
type LedgerResult struct {
	NewStreak     int
	LongestStreak int
	BonusXP       int
	UserXP        int
}
