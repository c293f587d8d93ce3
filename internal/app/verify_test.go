package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"habitquest/api/internal/locker"
	"habitquest/api/internal/proof"
	"habitquest/api/internal/store"
	"habitquest/api/internal/verdict"
)

type fakeStore struct {
	getUserFn               func(context.Context, string) (store.User, error)
	insertUserFn            func(context.Context, store.User) error
	getHabitFn              func(context.Context, string) (store.Habit, error)
	insertHabitFn           func(context.Context, store.Habit) error
	listHabitsFn            func(context.Context, string) ([]store.Habit, error)
	deleteHabitFn           func(context.Context, string) error
	listCompletionsFn       func(context.Context, string, int) ([]store.Completion, error)
	hasVerifiedFn           func(context.Context, string, string) (bool, error)
	insertRejectedFn        func(context.Context, store.Completion) error
	applyVerifiedFn         func(context.Context, store.Completion, string, string) (store.LedgerResult, error)
	rejectedInserts         []store.Completion
	appliedCompletions      []store.Completion
	appliedYesterdays       []string
	hasVerifiedChecks       int
	applyVerifiedCallCount  int
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) InsertUser(ctx context.Context, user store.User) error {
	if f.insertUserFn != nil {
		return f.insertUserFn(ctx, user)
	}
	return nil
}
func (f *fakeStore) GetUser(ctx context.Context, userID string) (store.User, error) {
	if f.getUserFn != nil {
		return f.getUserFn(ctx, userID)
	}
	return store.User{ID: userID}, nil
}
func (f *fakeStore) InsertHabit(ctx context.Context, habit store.Habit) error {
	if f.insertHabitFn != nil {
		return f.insertHabitFn(ctx, habit)
	}
	return nil
}
func (f *fakeStore) GetHabit(ctx context.Context, habitID string) (store.Habit, error) {
	if f.getHabitFn != nil {
		return f.getHabitFn(ctx, habitID)
	}
	return store.Habit{
		ID:                habitID,
		UserID:            "usr_1",
		Name:              "Morning run",
		ProofRequirements: "photo of running shoes outdoors",
		Streak:            2,
		LongestStreak:     5,
	}, nil
}
func (f *fakeStore) ListHabits(ctx context.Context, userID string) ([]store.Habit, error) {
	if f.listHabitsFn != nil {
		return f.listHabitsFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) DeleteHabit(ctx context.Context, habitID string) error {
	if f.deleteHabitFn != nil {
		return f.deleteHabitFn(ctx, habitID)
	}
	return nil
}
func (f *fakeStore) ListCompletions(ctx context.Context, habitID string, limit int) ([]store.Completion, error) {
	if f.listCompletionsFn != nil {
		return f.listCompletionsFn(ctx, habitID, limit)
	}
	return nil, nil
}
func (f *fakeStore) HasVerifiedCompletion(ctx context.Context, habitID, date string) (bool, error) {
	f.hasVerifiedChecks++
	if f.hasVerifiedFn != nil {
		return f.hasVerifiedFn(ctx, habitID, date)
	}
	return false, nil
}
func (f *fakeStore) InsertRejectedCompletion(ctx context.Context, c store.Completion) error {
	f.rejectedInserts = append(f.rejectedInserts, c)
	if f.insertRejectedFn != nil {
		return f.insertRejectedFn(ctx, c)
	}
	return nil
}
func (f *fakeStore) ApplyVerifiedCompletion(ctx context.Context, c store.Completion, today, yesterday string) (store.LedgerResult, error) {
	f.applyVerifiedCallCount++
	f.appliedCompletions = append(f.appliedCompletions, c)
	f.appliedYesterdays = append(f.appliedYesterdays, yesterday)
	if f.applyVerifiedFn != nil {
		return f.applyVerifiedFn(ctx, c, today, yesterday)
	}
	return store.LedgerResult{NewStreak: 3, LongestStreak: 5, BonusXP: 30, UserXP: 180}, nil
}

type fakeEvidence struct {
	saved   map[string][]byte
	deleted []string
	saveErr error
}

func newFakeEvidence() *fakeEvidence {
	return &fakeEvidence{saved: map[string][]byte{}}
}

func (f *fakeEvidence) Save(_ context.Context, name string, r io.Reader, _ int64, _ string) (string, error) {
	if f.saveErr != nil {
		return "", f.saveErr
	}
	data, _ := io.ReadAll(r)
	ref := "ev_" + name
	f.saved[ref] = data
	return ref, nil
}
func (f *fakeEvidence) Read(_ context.Context, ref string) ([]byte, error) {
	data, ok := f.saved[ref]
	if !ok {
		return nil, errors.New("missing")
	}
	return data, nil
}
func (f *fakeEvidence) Delete(_ context.Context, ref string) error {
	f.deleted = append(f.deleted, ref)
	delete(f.saved, ref)
	return nil
}

type fakeNormalizer struct {
	normalizeFn func(context.Context, string) (proof.Result, error)
}

func (f *fakeNormalizer) Normalize(ctx context.Context, ref string) (proof.Result, error) {
	if f.normalizeFn != nil {
		return f.normalizeFn(ctx, ref)
	}
	return proof.Result{Data: []byte("jpeg-bytes"), MediaType: "image/jpeg"}, nil
}

type fakeEvaluator struct {
	evaluateFn func(context.Context, verdict.HabitMeta, verdict.Evidence) verdict.Verdict
	calls      int
	lastEv     verdict.Evidence
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, habit verdict.HabitMeta, ev verdict.Evidence) verdict.Verdict {
	f.calls++
	f.lastEv = ev
	if f.evaluateFn != nil {
		return f.evaluateFn(ctx, habit, ev)
	}
	return verdict.Verdict{Verified: true, Explanation: "looks good", Confidence: "high", XPEarned: 50}
}

type verifyFixture struct {
	store     *fakeStore
	evidence  *fakeEvidence
	evaluator *fakeEvaluator
	service   *Service
}

func newVerifyFixture() *verifyFixture {
	f := &verifyFixture{
		store:     &fakeStore{},
		evidence:  newFakeEvidence(),
		evaluator: &fakeEvaluator{},
	}
	f.service = NewService(f.store, f.evidence, &fakeNormalizer{}, f.evaluator, locker.NewLocal(), nil, nil)
	f.service.now = func() time.Time { return time.Date(2026, 6, 15, 18, 0, 0, 0, time.UTC) }
	return f
}

func imageInput() CompleteHabitInput {
	return CompleteHabitInput{
		HabitID:       "hab_1",
		ImageData:     []byte("raw-photo"),
		ImageFilename: "run.jpg",
		ImageMIME:     "image/jpeg",
	}
}

func TestCompleteHabitVerified(t *testing.T) {
	f := newVerifyFixture()

	payload, err := f.service.CompleteHabit(context.Background(), imageInput())
	if err != nil {
		t.Fatalf("CompleteHabit: %v", err)
	}

	if payload["verified"] != true {
		t.Fatal("expected verified payload")
	}
	if payload["xpEarned"] != 80 {
		t.Errorf("xpEarned = %v, want 80 (50 base + 30 bonus)", payload["xpEarned"])
	}
	if payload["newStreak"] != 3 {
		t.Errorf("newStreak = %v, want 3", payload["newStreak"])
	}
	if payload["userXp"] != 180 {
		t.Errorf("userXp = %v, want 180", payload["userXp"])
	}
	if payload["userLevel"] != 2 {
		t.Errorf("userLevel = %v, want 2", payload["userLevel"])
	}
	if payload["completedDate"] != "2026-06-15" {
		t.Errorf("completedDate = %v", payload["completedDate"])
	}

	if len(f.store.appliedCompletions) != 1 {
		t.Fatalf("applied %d completions, want 1", len(f.store.appliedCompletions))
	}
	applied := f.store.appliedCompletions[0]
	if applied.XPEarned != 50 {
		t.Errorf("stored base xp = %d, want 50 (bonus is ledger-side)", applied.XPEarned)
	}
	if applied.Status != store.StatusVerified {
		t.Errorf("status = %q", applied.Status)
	}
	if applied.CompletedDate != "2026-06-15" {
		t.Errorf("completed date = %q", applied.CompletedDate)
	}
	if f.store.appliedYesterdays[0] != "2026-06-14" {
		t.Errorf("yesterday = %q", f.store.appliedYesterdays[0])
	}
	if len(f.evidence.deleted) != 0 {
		t.Error("verified attempt must keep its evidence")
	}
	if f.evaluator.lastEv.ImageMIME != "image/jpeg" || string(f.evaluator.lastEv.ImageData) != "jpeg-bytes" {
		t.Error("oracle must receive the normalized image, not the raw upload")
	}
}

func TestCompleteHabitTimezoneOffsetShiftsDay(t *testing.T) {
	f := newVerifyFixture()
	// 18:00 UTC with the client 5 hours behind is still June 15; 7 hours
	// ahead rolls to June 16.
	input := imageInput()
	input.TimezoneOffset = -420

	payload, err := f.service.CompleteHabit(context.Background(), input)
	if err != nil {
		t.Fatalf("CompleteHabit: %v", err)
	}
	if payload["completedDate"] != "2026-06-16" {
		t.Errorf("completedDate = %v, want 2026-06-16", payload["completedDate"])
	}
	if f.store.appliedYesterdays[0] != "2026-06-15" {
		t.Errorf("yesterday = %q, want 2026-06-15", f.store.appliedYesterdays[0])
	}
}

func TestCompleteHabitAlreadyVerifiedSkipsOracle(t *testing.T) {
	f := newVerifyFixture()
	f.store.hasVerifiedFn = func(context.Context, string, string) (bool, error) { return true, nil }

	_, err := f.service.CompleteHabit(context.Background(), imageInput())

	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("err = %v, want DomainError", err)
	}
	if domainErr.Status != 409 || domainErr.Code != "ALREADY_VERIFIED" {
		t.Errorf("got %d %s, want 409 ALREADY_VERIFIED", domainErr.Status, domainErr.Code)
	}
	if f.store.hasVerifiedChecks != 1 {
		t.Errorf("idempotency checked %d times, want 1", f.store.hasVerifiedChecks)
	}
	if f.evaluator.calls != 0 {
		t.Error("duplicate attempt must not reach the oracle")
	}
	if len(f.evidence.saved) != 0 {
		t.Error("duplicate attempt must not store evidence")
	}
	if f.store.applyVerifiedCallCount != 0 {
		t.Error("duplicate attempt must not touch the ledger")
	}
}

func TestCompleteHabitRejectedVerdict(t *testing.T) {
	f := newVerifyFixture()
	f.evaluator.evaluateFn = func(context.Context, verdict.HabitMeta, verdict.Evidence) verdict.Verdict {
		return verdict.Verdict{Verified: false, Explanation: "The photo shows a couch.", Confidence: "high"}
	}

	payload, err := f.service.CompleteHabit(context.Background(), imageInput())
	if err != nil {
		t.Fatalf("CompleteHabit: %v", err)
	}

	if payload["verified"] != false {
		t.Fatal("expected rejection payload")
	}
	if payload["xpEarned"] != 0 {
		t.Errorf("xpEarned = %v, want 0", payload["xpEarned"])
	}
	if payload["newStreak"] != 2 {
		t.Errorf("newStreak = %v, want unchanged streak 2", payload["newStreak"])
	}
	if f.store.applyVerifiedCallCount != 0 {
		t.Error("rejection must not touch the ledger")
	}
	if len(f.store.rejectedInserts) != 1 {
		t.Fatalf("recorded %d rejections, want 1", len(f.store.rejectedInserts))
	}
	if f.store.rejectedInserts[0].Status != store.StatusRejected {
		t.Errorf("status = %q", f.store.rejectedInserts[0].Status)
	}
	if f.store.rejectedInserts[0].EvidenceRef != "ev_run.jpg" {
		t.Errorf("evidenceRef = %q, want ev_run.jpg", f.store.rejectedInserts[0].EvidenceRef)
	}
	if len(f.evidence.saved) != 1 || len(f.evidence.deleted) != 0 {
		t.Error("rejected attempt must keep its evidence for the attempt history")
	}
}

func TestCompleteHabitLedgerRace(t *testing.T) {
	f := newVerifyFixture()
	f.store.applyVerifiedFn = func(context.Context, store.Completion, string, string) (store.LedgerResult, error) {
		return store.LedgerResult{}, store.ErrAlreadyVerified
	}

	_, err := f.service.CompleteHabit(context.Background(), imageInput())

	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("err = %v, want DomainError", err)
	}
	if domainErr.Code != "ALREADY_VERIFIED" {
		t.Errorf("code = %q, want ALREADY_VERIFIED", domainErr.Code)
	}
	if len(f.evidence.saved) != 0 {
		t.Error("race loser must not keep evidence")
	}
}

func TestCompleteHabitUnusableImageWithoutNote(t *testing.T) {
	cases := []struct {
		name         string
		normalizeErr error
		wantStatus   int
		wantCode     string
	}{
		{"oversized", proof.ErrTooLarge, http.StatusRequestEntityTooLarge, "EVIDENCE_TOO_LARGE"},
		{"unreadable", proof.ErrUnprocessable, http.StatusUnprocessableEntity, "EVIDENCE_UNPROCESSABLE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newVerifyFixture()
			f.service.normalizer = &fakeNormalizer{normalizeFn: func(context.Context, string) (proof.Result, error) {
				return proof.Result{}, tc.normalizeErr
			}}

			_, err := f.service.CompleteHabit(context.Background(), imageInput())

			var domainErr *DomainError
			if !errors.As(err, &domainErr) {
				t.Fatalf("err = %v, want DomainError", err)
			}
			if domainErr.Status != tc.wantStatus || domainErr.Code != tc.wantCode {
				t.Errorf("got %d %s, want %d %s", domainErr.Status, domainErr.Code, tc.wantStatus, tc.wantCode)
			}
			if f.evaluator.calls != 0 {
				t.Error("unusable image with no note must not reach the oracle")
			}
			if len(f.store.rejectedInserts) != 0 {
				t.Errorf("recorded %d completions, want none", len(f.store.rejectedInserts))
			}
			if len(f.evidence.saved) != 0 {
				t.Error("unusable evidence must be discarded")
			}
		})
	}
}

func TestCompleteHabitUnusableImageFallsBackToNote(t *testing.T) {
	f := newVerifyFixture()
	f.service.normalizer = &fakeNormalizer{normalizeFn: func(context.Context, string) (proof.Result, error) {
		return proof.Result{}, proof.ErrTooLarge
	}}
	f.evaluator.evaluateFn = func(_ context.Context, _ verdict.HabitMeta, ev verdict.Evidence) verdict.Verdict {
		return verdict.Verdict{Verified: true, Explanation: "note accepted", Confidence: "low", XPEarned: 20}
	}

	input := imageInput()
	input.Note = "ran my usual 5k loop"

	payload, err := f.service.CompleteHabit(context.Background(), input)
	if err != nil {
		t.Fatalf("CompleteHabit: %v", err)
	}
	if payload["verified"] != true {
		t.Fatal("expected note-only verification")
	}
	if f.evaluator.calls != 1 {
		t.Fatalf("oracle called %d times, want 1", f.evaluator.calls)
	}
	if len(f.evaluator.lastEv.ImageData) != 0 {
		t.Error("failed image must not be sent to the oracle")
	}
	if f.evaluator.lastEv.ImageFailure == "" {
		t.Error("oracle must be told the image failed")
	}
	if f.evaluator.lastEv.Note != "ran my usual 5k loop" {
		t.Errorf("note = %q", f.evaluator.lastEv.Note)
	}
}

func TestCompleteHabitValidation(t *testing.T) {
	f := newVerifyFixture()

	_, err := f.service.CompleteHabit(context.Background(), CompleteHabitInput{HabitID: "hab_1"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Errorf("empty attempt: err = %v, want 422", err)
	}

	_, err = f.service.CompleteHabit(context.Background(), CompleteHabitInput{
		HabitID: "hab_1",
		Note:    strings.Repeat("x", 501),
	})
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Errorf("long note: err = %v, want 422", err)
	}
	if f.evaluator.calls != 0 {
		t.Error("invalid attempts must not reach the oracle")
	}
}

func TestCompleteHabitUnknownHabit(t *testing.T) {
	f := newVerifyFixture()
	f.store.getHabitFn = func(context.Context, string) (store.Habit, error) {
		return store.Habit{}, sql.ErrNoRows
	}

	_, err := f.service.CompleteHabit(context.Background(), imageInput())
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("err = %v, want sql.ErrNoRows passthrough", err)
	}
}

func TestCompleteHabitNoteOnly(t *testing.T) {
	f := newVerifyFixture()
	f.evaluator.evaluateFn = func(_ context.Context, _ verdict.HabitMeta, ev verdict.Evidence) verdict.Verdict {
		if len(ev.ImageData) != 0 {
			t.Error("note-only attempt must carry no image")
		}
		return verdict.Verdict{Verified: true, Explanation: "plausible", Confidence: "low", XPEarned: 20}
	}

	payload, err := f.service.CompleteHabit(context.Background(), CompleteHabitInput{
		HabitID: "hab_1",
		Note:    "meditated for ten minutes",
	})
	if err != nil {
		t.Fatalf("CompleteHabit: %v", err)
	}
	if payload["verified"] != true {
		t.Fatal("expected verification")
	}
	if len(f.store.appliedCompletions) != 1 || f.store.appliedCompletions[0].EvidenceRef != "" {
		t.Error("note-only completion must have no evidence ref")
	}
}
