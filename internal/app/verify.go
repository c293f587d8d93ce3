package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"habitquest/api/internal/day"
	"habitquest/api/internal/progression"
	"habitquest/api/internal/proof"
	"habitquest/api/internal/store"
	"habitquest/api/internal/util"
	"habitquest/api/internal/verdict"
)

// CompleteHabitInput is one verification attempt as received from the HTTP
// layer. Image is the raw upload; it may be empty when only a note was sent.
type CompleteHabitInput struct {
	HabitID        string
	ImageData      []byte
	ImageFilename  string
	ImageMIME      string
	Note           string
	TimezoneOffset int
}

// evidenceError maps a normalization failure to the caller-facing error used
// when no note remains to judge. Too-large keeps its own code so clients can
// prompt for a smaller or static resubmission.
func evidenceError(err error) *DomainError {
	if errors.Is(err, proof.ErrTooLarge) {
		return domainError(http.StatusRequestEntityTooLarge, "EVIDENCE_TOO_LARGE",
			"Image exceeds the verification size limit. Resubmit a smaller or static image, or add a note.", nil)
	}
	return domainError(http.StatusUnprocessableEntity, "EVIDENCE_UNPROCESSABLE",
		"Image could not be read. Resubmit in a common image format, or add a note.", nil)
}

// CompleteHabit runs one verification attempt end to end: resolve the
// attempt's day, refuse duplicates, store and normalize evidence, obtain a
// verdict, and apply it to the progression ledger.
func (s *Service) CompleteHabit(ctx context.Context, input CompleteHabitInput) (map[string]any, error) {
	habit, err := s.db.GetHabit(ctx, input.HabitID)
	if err != nil {
		return nil, err
	}

	note := strings.TrimSpace(input.Note)
	if utf8.RuneCountInString(note) > maxNoteLength {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "note must be at most 500 characters", nil)
	}
	if len(input.ImageData) == 0 && note == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "an image or a note is required", nil)
	}

	// The day boundary is resolved exactly once so a submission straddling
	// local midnight lands on a single canonical date throughout.
	boundary := day.Resolve(s.now(), input.TimezoneOffset)

	// Fast refusal before any evidence or oracle work. The ledger re-checks
	// under the habit lock, so losing a race here is harmless.
	done, err := s.db.HasVerifiedCompletion(ctx, habit.ID, boundary.Today)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, errAlreadyVerified(boundary.Today)
	}

	evidenceRef := ""
	ev := verdict.Evidence{Note: note}
	if len(input.ImageData) > 0 {
		ref, err := s.evidence.Save(ctx, input.ImageFilename, bytes.NewReader(input.ImageData), int64(len(input.ImageData)), input.ImageMIME)
		if err != nil {
			return nil, err
		}
		evidenceRef = ref

		normalized, err := s.normalizer.Normalize(ctx, ref)
		switch {
		case err == nil:
			ev.ImageData = normalized.Data
			ev.ImageMIME = normalized.MediaType
		case note == "":
			// Nothing left to judge. The attempt fails outright before the
			// oracle, leaving no completion row and no stored evidence.
			s.discardEvidence(ctx, habit.ID, ref)
			return nil, evidenceError(err)
		default:
			s.logger.Warn("evidence normalization failed, judging note only",
				zap.String("habit_id", habit.ID),
				zap.Error(err),
			)
			ev.ImageFailure = normalizeFailureReason(err)
		}
	}

	result := s.verdicts.Evaluate(ctx, verdict.HabitMeta{
		Name:              habit.Name,
		Description:       habit.Description,
		ProofRequirements: habit.ProofRequirements,
	}, ev)

	if !result.Verified {
		// The rejected row keeps its evidence so the attempt history stays
		// auditable. Evidence is only discarded when no row is written.
		s.recordRejection(ctx, habit, boundary.Today, evidenceRef, note, result.Explanation)
		return s.rejectionPayload(ctx, habit, boundary.Today, result.Explanation)
	}

	unlock, err := s.locker.Acquire(ctx, habit.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	completion := store.Completion{
		ID:            util.NewID("cmp"),
		HabitID:       habit.ID,
		UserID:        habit.UserID,
		CompletedDate: boundary.Today,
		EvidenceRef:   evidenceRef,
		Note:          note,
		Status:        store.StatusVerified,
		Explanation:   result.Explanation,
		XPEarned:      result.XPEarned,
	}
	ledger, err := s.db.ApplyVerifiedCompletion(ctx, completion, boundary.Today, boundary.Yesterday)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyVerified) {
			// A concurrent attempt won. This one awards nothing and keeps no
			// evidence.
			s.discardEvidence(ctx, habit.ID, evidenceRef)
			return nil, errAlreadyVerified(boundary.Today)
		}
		return nil, err
	}

	s.logger.Info("habit verified",
		zap.String("habit_id", habit.ID),
		zap.String("user_id", habit.UserID),
		zap.String("date", boundary.Today),
		zap.Int("streak", ledger.NewStreak),
		zap.Int("xp", result.XPEarned+ledger.BonusXP),
	)

	return map[string]any{
		"verified":          true,
		"explanation":       result.Explanation,
		"confidence":        result.Confidence,
		"completedDate":     boundary.Today,
		"xpEarned":          result.XPEarned + ledger.BonusXP,
		"bonusXp":           ledger.BonusXP,
		"newStreak":         ledger.NewStreak,
		"longestStreak":     ledger.LongestStreak,
		"userXp":            ledger.UserXP,
		"userLevel":         progression.Level(ledger.UserXP),
		"xpProgressPercent": progression.ProgressPercent(ledger.UserXP),
	}, nil
}

func errAlreadyVerified(date string) *DomainError {
	return domainError(http.StatusConflict, "ALREADY_VERIFIED", "Habit already verified for this day", map[string]any{"completedDate": date})
}

// discardEvidence removes stored evidence for attempts that leave no
// completion row behind. Failures are logged, not surfaced; the attempt
// outcome stands either way.
func (s *Service) discardEvidence(ctx context.Context, habitID, ref string) {
	if ref == "" {
		return
	}
	if err := s.evidence.Delete(ctx, ref); err != nil {
		s.logger.Warn("delete evidence for failed attempt",
			zap.String("habit_id", habitID),
			zap.String("evidence_ref", ref),
			zap.Error(err),
		)
	}
}

// recordRejection persists a rejected attempt. Rejected rows never mutate
// streaks or XP, so they bypass the habit lock entirely.
func (s *Service) recordRejection(ctx context.Context, habit store.Habit, date, evidenceRef, note, explanation string) {
	c := store.Completion{
		ID:            util.NewID("cmp"),
		HabitID:       habit.ID,
		UserID:        habit.UserID,
		CompletedDate: date,
		EvidenceRef:   evidenceRef,
		Note:          note,
		Status:        store.StatusRejected,
		Explanation:   explanation,
	}
	if err := s.db.InsertRejectedCompletion(ctx, c); err != nil {
		s.logger.Error("record rejected attempt",
			zap.String("habit_id", habit.ID),
			zap.Error(err),
		)
	}
}

// rejectionPayload mirrors the verified response shape so clients render both
// outcomes the same way. Nothing changed, so current user state is reported.
func (s *Service) rejectionPayload(ctx context.Context, habit store.Habit, date, explanation string) (map[string]any, error) {
	user, err := s.db.GetUser(ctx, habit.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"verified":          false,
		"explanation":       explanation,
		"completedDate":     date,
		"xpEarned":          0,
		"newStreak":         habit.Streak,
		"longestStreak":     habit.LongestStreak,
		"userXp":            user.XP,
		"userLevel":         progression.Level(user.XP),
		"xpProgressPercent": progression.ProgressPercent(user.XP),
	}, nil
}

func normalizeFailureReason(err error) string {
	switch {
	case errors.Is(err, proof.ErrTooLarge):
		return "image exceeds the size limit"
	case errors.Is(err, proof.ErrUnprocessable):
		return "image format not recognized"
	default:
		return "image could not be read"
	}
}
