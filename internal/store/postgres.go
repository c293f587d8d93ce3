package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"habitquest/api/internal/progression"
)

// ErrAlreadyVerified is returned when a verified completion already exists
// for the habit on the given day. The ledger update re-checks inside its
// transaction, so a concurrent attempt that slipped past the fast pre-check
// still lands here instead of double-counting.
var ErrAlreadyVerified = errors.New("habit already verified for this day")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, xp)
		VALUES ($1, $2, $3)
	`, user.ID, user.DisplayName, user.XP)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, xp, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.XP, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) InsertHabit(ctx context.Context, habit Habit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO habits (id, user_id, name, description, proof_requirements, frequency_type, frequency_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, habit.ID, habit.UserID, habit.Name, habit.Description, habit.ProofRequirements, habit.FrequencyType, habit.FrequencyCount)
	if err != nil {
		return fmt.Errorf("insert habit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHabit(ctx context.Context, habitID string) (Habit, error) {
	var habit Habit
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, description, proof_requirements, frequency_type, frequency_count,
			streak, longest_streak, total_completions, created_at
		FROM habits
		WHERE id=$1
	`, habitID).Scan(
		&habit.ID, &habit.UserID, &habit.Name, &habit.Description, &habit.ProofRequirements,
		&habit.FrequencyType, &habit.FrequencyCount, &habit.Streak, &habit.LongestStreak,
		&habit.TotalCompletions, &habit.CreatedAt,
	)
	if err != nil {
		return Habit{}, err
	}
	return habit, nil
}

func (s *PostgresStore) ListHabits(ctx context.Context, userID string) ([]Habit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, description, proof_requirements, frequency_type, frequency_count,
			streak, longest_streak, total_completions, created_at
		FROM habits
		WHERE user_id=$1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list habits: %w", err)
	}
	defer rows.Close()

	items := make([]Habit, 0)
	for rows.Next() {
		var habit Habit
		if err := rows.Scan(
			&habit.ID, &habit.UserID, &habit.Name, &habit.Description, &habit.ProofRequirements,
			&habit.FrequencyType, &habit.FrequencyCount, &habit.Streak, &habit.LongestStreak,
			&habit.TotalCompletions, &habit.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan habit: %w", err)
		}
		items = append(items, habit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate habits: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteHabit(ctx context.Context, habitID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM habits WHERE id=$1`, habitID)
	if err != nil {
		return fmt.Errorf("delete habit: %w", err)
	}
	return nil
}

func (s *PostgresStore) SearchHabits(ctx context.Context, userID, query string, limit int) ([]Habit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, description, proof_requirements, frequency_type, frequency_count,
			streak, longest_streak, total_completions, created_at
		FROM habits
		WHERE user_id=$1 AND (name ILIKE '%' || $2 || '%' OR description ILIKE '%' || $2 || '%')
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search habits: %w", err)
	}
	defer rows.Close()

	items := make([]Habit, 0)
	for rows.Next() {
		var habit Habit
		if err := rows.Scan(
			&habit.ID, &habit.UserID, &habit.Name, &habit.Description, &habit.ProofRequirements,
			&habit.FrequencyType, &habit.FrequencyCount, &habit.Streak, &habit.LongestStreak,
			&habit.TotalCompletions, &habit.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan habit: %w", err)
		}
		items = append(items, habit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate habits: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListCompletions(ctx context.Context, habitID string, limit int) ([]Completion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, habit_id, user_id, completed_date, evidence_ref, note, status, explanation, xp_earned, created_at
		FROM completions
		WHERE habit_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, habitID, limit)
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	defer rows.Close()

	items := make([]Completion, 0)
	for rows.Next() {
		var c Completion
		if err := rows.Scan(
			&c.ID, &c.HabitID, &c.UserID, &c.CompletedDate, &c.EvidenceRef,
			&c.Note, &c.Status, &c.Explanation, &c.XPEarned, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completions: %w", err)
	}
	return items, nil
}

// HasVerifiedCompletion reports whether the habit already has a VERIFIED
// completion on the given canonical day. Rejected attempts are ignored so
// they never block resubmission.
func (s *PostgresStore) HasVerifiedCompletion(ctx context.Context, habitID, date string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM completions
			WHERE habit_id=$1 AND completed_date=$2 AND status=$3
		)
	`, habitID, date, StatusVerified).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check verified completion: %w", err)
	}
	return exists, nil
}

// InsertRejectedCompletion records a failed attempt. Rejected rows mutate no
// aggregate state, so no habit lock or transaction is needed.
func (s *PostgresStore) InsertRejectedCompletion(ctx context.Context, c Completion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completions (id, habit_id, user_id, completed_date, evidence_ref, note, status, explanation, xp_earned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0)
	`, c.ID, c.HabitID, c.UserID, c.CompletedDate, c.EvidenceRef, c.Note, StatusRejected, c.Explanation)
	if err != nil {
		return fmt.Errorf("insert rejected completion: %w", err)
	}
	return nil
}

// ApplyVerifiedCompletion applies one verified verdict to the ledger in a
// single transaction: lock the habit row, re-check idempotency, compute the
// streak continuation against yesterday, apply the milestone bonus, update
// the habit aggregates and user XP, and insert the completion row. Everything
// becomes visible together or not at all.
func (s *PostgresStore) ApplyVerifiedCompletion(ctx context.Context, c Completion, today, yesterday string) (LedgerResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return LedgerResult{}, fmt.Errorf("begin completion tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var streak, longest, total int
	err = tx.QueryRowContext(ctx, `
		SELECT streak, longest_streak, total_completions FROM habits WHERE id=$1 FOR UPDATE
	`, c.HabitID).Scan(&streak, &longest, &total)
	if err != nil {
		return LedgerResult{}, fmt.Errorf("lock habit row: %w", err)
	}

	var alreadyVerified bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM completions
			WHERE habit_id=$1 AND completed_date=$2 AND status=$3
		)
	`, c.HabitID, today, StatusVerified).Scan(&alreadyVerified)
	if err != nil {
		return LedgerResult{}, fmt.Errorf("recheck verified completion: %w", err)
	}
	if alreadyVerified {
		return LedgerResult{}, ErrAlreadyVerified
	}

	var continued bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM completions
			WHERE habit_id=$1 AND completed_date=$2 AND status=$3
		)
	`, c.HabitID, yesterday, StatusVerified).Scan(&continued)
	if err != nil {
		return LedgerResult{}, fmt.Errorf("check streak continuity: %w", err)
	}

	newStreak, longest := progression.AdvanceStreak(streak, longest, continued)
	bonus := progression.MilestoneBonus(newStreak)

	if _, err := tx.ExecContext(ctx, `
		UPDATE habits SET streak=$2, longest_streak=$3, total_completions=$4 WHERE id=$1
	`, c.HabitID, newStreak, longest, total+1); err != nil {
		return LedgerResult{}, fmt.Errorf("update habit aggregates: %w", err)
	}

	var userXP int
	err = tx.QueryRowContext(ctx, `
		UPDATE users SET xp = xp + $2 WHERE id=$1 RETURNING xp
	`, c.UserID, c.XPEarned+bonus).Scan(&userXP)
	if err != nil {
		return LedgerResult{}, fmt.Errorf("update user xp: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO completions (id, habit_id, user_id, completed_date, evidence_ref, note, status, explanation, xp_earned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.HabitID, c.UserID, today, c.EvidenceRef, c.Note, StatusVerified, c.Explanation, c.XPEarned); err != nil {
		return LedgerResult{}, fmt.Errorf("insert verified completion: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return LedgerResult{}, fmt.Errorf("commit completion tx: %w", err)
	}

	return LedgerResult{
		NewStreak:     newStreak,
		LongestStreak: longest,
		BonusXP:       bonus,
		UserXP:        userXP,
	}, nil
}
