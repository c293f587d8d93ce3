package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"habitquest/api/internal/evidence"
	"habitquest/api/internal/locker"
	"habitquest/api/internal/progression"
	"habitquest/api/internal/proof"
	"habitquest/api/internal/search"
	"habitquest/api/internal/store"
	"habitquest/api/internal/util"
	"habitquest/api/internal/verdict"
)

const (
	maxNoteLength    = 500
	defaultPageLimit = 50
)

type CreateUserInput struct {
	DisplayName string `json:"displayName"`
}

type CreateHabitInput struct {
	UserID            string `json:"userId"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	ProofRequirements string `json:"proofRequirements"`
	FrequencyType     string `json:"frequencyType"`
	FrequencyCount    int    `json:"frequencyCount"`
}

var allowedFrequencyTypes = map[string]struct{}{
	"daily":  {},
	"weekly": {},
}

type dataStore interface {
	Ping(context.Context) error
	InsertUser(context.Context, store.User) error
	GetUser(context.Context, string) (store.User, error)
	InsertHabit(context.Context, store.Habit) error
	GetHabit(context.Context, string) (store.Habit, error)
	ListHabits(context.Context, string) ([]store.Habit, error)
	DeleteHabit(context.Context, string) error
	ListCompletions(context.Context, string, int) ([]store.Completion, error)
	HasVerifiedCompletion(context.Context, string, string) (bool, error)
	InsertRejectedCompletion(context.Context, store.Completion) error
	ApplyVerifiedCompletion(context.Context, store.Completion, string, string) (store.LedgerResult, error)
}

// attemptLocker serializes the progression section of verification attempts
// per habit.
type attemptLocker interface {
	Acquire(ctx context.Context, habitID string) (locker.Unlock, error)
}

// verdictEvaluator produces a verdict for one attempt. It never fails.
type verdictEvaluator interface {
	Evaluate(ctx context.Context, habit verdict.HabitMeta, ev verdict.Evidence) verdict.Verdict
}

// imageNormalizer prepares stored evidence for the oracle.
type imageNormalizer interface {
	Normalize(ctx context.Context, ref string) (proof.Result, error)
}

type Service struct {
	db         dataStore
	evidence   evidence.Store
	normalizer imageNormalizer
	verdicts   verdictEvaluator
	locker     attemptLocker
	search     *search.Service
	logger     *zap.Logger
	now        func() time.Time
}

func NewService(db dataStore, ev evidence.Store, normalizer imageNormalizer, verdicts verdictEvaluator, locker attemptLocker, searchSvc *search.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         db,
		evidence:   ev,
		normalizer: normalizer,
		verdicts:   verdicts,
		locker:     locker,
		search:     searchSvc,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Service) CreateUser(ctx context.Context, input CreateUserInput) (map[string]any, error) {
	name := strings.TrimSpace(input.DisplayName)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "displayName is required", nil)
	}

	user := store.User{
		ID:          util.NewID("usr"),
		DisplayName: name,
		XP:          0,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.db.InsertUser(ctx, user); err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

// UserStats returns the user's profile with derived progression fields.
func (s *Service) UserStats(ctx context.Context, userID string) (map[string]any, error) {
	user, err := s.db.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	habits, err := s.db.ListHabits(ctx, userID)
	if err != nil {
		return nil, err
	}

	totalCompletions := 0
	bestStreak := 0
	for _, h := range habits {
		totalCompletions += h.TotalCompletions
		if h.LongestStreak > bestStreak {
			bestStreak = h.LongestStreak
		}
	}

	payload := userPayload(user)
	payload["habitCount"] = len(habits)
	payload["totalCompletions"] = totalCompletions
	payload["longestStreak"] = bestStreak
	return payload, nil
}

func (s *Service) CreateHabit(ctx context.Context, input CreateHabitInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if strings.TrimSpace(input.UserID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	if _, err := s.db.GetUser(ctx, input.UserID); err != nil {
		return nil, err
	}

	frequencyType := strings.ToLower(strings.TrimSpace(input.FrequencyType))
	if frequencyType == "" {
		frequencyType = "daily"
	}
	if _, ok := allowedFrequencyTypes[frequencyType]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "frequencyType must be daily or weekly", nil)
	}
	frequencyCount := input.FrequencyCount
	if frequencyCount <= 0 {
		frequencyCount = 1
	}

	habit := store.Habit{
		ID:                util.NewID("hab"),
		UserID:            input.UserID,
		Name:              name,
		Description:       strings.TrimSpace(input.Description),
		ProofRequirements: strings.TrimSpace(input.ProofRequirements),
		FrequencyType:     frequencyType,
		FrequencyCount:    frequencyCount,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.db.InsertHabit(ctx, habit); err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexHabit(search.HabitRecord{
			ID:                habit.ID,
			UserID:            habit.UserID,
			Name:              habit.Name,
			Description:       habit.Description,
			ProofRequirements: habit.ProofRequirements,
		})
	}

	return habitPayload(habit), nil
}

func (s *Service) GetHabit(ctx context.Context, habitID string) (map[string]any, error) {
	habit, err := s.db.GetHabit(ctx, habitID)
	if err != nil {
		return nil, err
	}
	return habitPayload(habit), nil
}

func (s *Service) ListHabits(ctx context.Context, userID string) ([]map[string]any, error) {
	habits, err := s.db.ListHabits(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(habits))
	for _, h := range habits {
		items = append(items, habitPayload(h))
	}
	return items, nil
}

func (s *Service) DeleteHabit(ctx context.Context, habitID string) error {
	habit, err := s.db.GetHabit(ctx, habitID)
	if err != nil {
		return err
	}
	completions, err := s.db.ListCompletions(ctx, habitID, 1000)
	if err != nil {
		return err
	}
	if err := s.db.DeleteHabit(ctx, habitID); err != nil {
		return err
	}

	if s.search != nil {
		s.search.DeleteHabit(habit.ID)
	}

	// Best effort; orphaned objects are harmless.
	for _, c := range completions {
		if c.EvidenceRef == "" {
			continue
		}
		if err := s.evidence.Delete(ctx, c.EvidenceRef); err != nil {
			s.logger.Warn("delete evidence for removed habit",
				zap.String("habit_id", habitID),
				zap.String("evidence_ref", c.EvidenceRef),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Service) ListCompletions(ctx context.Context, habitID string, limit int) ([]map[string]any, error) {
	if _, err := s.db.GetHabit(ctx, habitID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	completions, err := s.db.ListCompletions(ctx, habitID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(completions))
	for _, c := range completions {
		items = append(items, completionPayload(c))
	}
	return items, nil
}

func (s *Service) SearchHabits(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

// ReadEvidence returns the stored evidence object for serving.
func (s *Service) ReadEvidence(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.evidence.Read(ctx, ref)
	if err != nil {
		if errors.Is(err, evidence.ErrNotFound) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Evidence not found", nil)
		}
		return nil, err
	}
	return data, nil
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":                user.ID,
		"displayName":       user.DisplayName,
		"xp":                user.XP,
		"level":             progression.Level(user.XP),
		"xpForNextLevel":    progression.XPRequiredForLevel(progression.Level(user.XP)),
		"xpProgressPercent": progression.ProgressPercent(user.XP),
		"createdAt":         user.CreatedAt,
	}
}

func habitPayload(habit store.Habit) map[string]any {
	return map[string]any{
		"id":                habit.ID,
		"userId":            habit.UserID,
		"name":              habit.Name,
		"description":       habit.Description,
		"proofRequirements": habit.ProofRequirements,
		"frequencyType":     habit.FrequencyType,
		"frequencyCount":    habit.FrequencyCount,
		"streak":            habit.Streak,
		"longestStreak":     habit.LongestStreak,
		"totalCompletions":  habit.TotalCompletions,
		"createdAt":         habit.CreatedAt,
	}
}

func completionPayload(c store.Completion) map[string]any {
	return map[string]any{
		"id":            c.ID,
		"habitId":       c.HabitID,
		"completedDate": c.CompletedDate,
		"evidenceRef":   c.EvidenceRef,
		"note":          c.Note,
		"status":        c.Status,
		"explanation":   c.Explanation,
		"xpEarned":      c.XPEarned,
		"createdAt":     c.CreatedAt,
	}
}
