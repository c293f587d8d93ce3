// Package search provides habit search with a Meilisearch primary backend
// and a PostgreSQL fallback.
package search

// HabitRecord is the searchable projection of a habit.
type HabitRecord struct {
	ID                string `json:"id"`
	UserID            string `json:"userId"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	ProofRequirements string `json:"proofRequirements"`
}

// Query describes one search request.
type Query struct {
	Text   string
	UserID string
	Limit  int
	Offset int
}

// Result is a single search hit. Name and Snippet may carry <mark> highlight
// tags when Meilisearch served the query.
type Result struct {
	ID      string `json:"id"`
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	Snippet string `json:"snippet"`
}

// Response is what the search endpoint returns.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}
