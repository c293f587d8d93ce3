package search

import (
	"context"
	"log"

	"habitquest/api/internal/store"
)

// habitFinder is the slice of the data store the Postgres fallback needs.
type habitFinder interface {
	SearchHabits(ctx context.Context, userID, query string, limit int) ([]store.Habit, error)
}

// Service is the facade that tries Meilisearch first and falls back to a
// PostgreSQL ILIKE scan.
type Service struct {
	meili *Meili
	db    habitFinder
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, db habitFinder) *Service {
	return &Service{meili: meili, db: db}
}

// Search tries Meilisearch if healthy, otherwise falls back to PostgreSQL.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	habits, err := s.db.SearchHabits(ctx, q.UserID, q.Text, limit)
	if err != nil {
		log.Printf("search: postgres error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results := make([]Result, 0, len(habits))
	for _, h := range habits {
		results = append(results, Result{
			ID:      h.ID,
			UserID:  h.UserID,
			Name:    h.Name,
			Snippet: h.Description,
		})
	}
	return Response{Results: results, Total: len(results), Query: q.Text}
}

// IndexHabit indexes a habit (fire-and-forget to Meilisearch).
func (s *Service) IndexHabit(h HabitRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexHabit(h); err != nil {
			log.Printf("search: index habit %s: %v", h.ID, err)
		}
	}()
}

// DeleteHabit removes a habit from the search index (fire-and-forget).
func (s *Service) DeleteHabit(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteHabit(id); err != nil {
			log.Printf("search: delete habit %s: %v", id, err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
