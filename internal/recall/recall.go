// Package recall retrieves remembered episodes for prompt assembly. It
// tries Meilisearch first and falls back to a PostgreSQL scan over the
// persisted state documents, so recall degrades instead of failing.
package recall

// EpisodeRecord is the data we index per episode. The document id is
// derived from conversation id and bucket start so re-indexing the same
// bucket upserts instead of duplicating.
type EpisodeRecord struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	CharacterID    string `json:"characterId"`
	BucketStart    string `json:"bucketStart"`
	Summary        string `json:"summary"`
}

// Query describes an episode recall request.
type Query struct {
	Text           string
	ConversationID string
	Limit          int
}

// Result is one remembered episode returned for prompt assembly.
type Result struct {
	ConversationID string `json:"conversationId"`
	BucketStart    string `json:"bucketStart"`
	Summary        string `json:"summary"`
}

// Searcher can retrieve episodes matching a query.
type Searcher interface {
	Search(q Query) ([]Result, error)
	Healthy() bool
}
