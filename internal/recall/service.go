package recall

import "log"

// Service is the facade that tries Meilisearch first and falls back to the
// Postgres scan.
type Service struct {
	meili *Meili
	pg    Searcher
}

// NewService creates a recall service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, pg Searcher) *Service {
	return &Service{meili: meili, pg: pg}
}

// Search returns remembered episodes for the query. Errors degrade to the
// fallback, then to an empty result; recall never fails a turn.
func (s *Service) Search(q Query) []Result {
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(q)
		if err == nil {
			return results
		}
		log.Printf("recall: meilisearch error, falling back to postgres: %v", err)
	}

	if s.pg == nil {
		return nil
	}
	results, err := s.pg.Search(q)
	if err != nil {
		log.Printf("recall: postgres scan error: %v", err)
		return nil
	}
	return results
}

// IndexEpisode pushes one episode to Meilisearch, fire-and-forget. The
// Postgres copy inside the state doc stays authoritative.
func (s *Service) IndexEpisode(rec EpisodeRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexEpisode(rec); err != nil {
			log.Printf("recall: index episode %s: %v", rec.ID, err)
		}
	}()
}
