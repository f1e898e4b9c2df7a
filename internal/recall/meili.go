package recall

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxEpisodes = "reverie_episodes"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the episode index.
// The caller proceeds with the fallback when the initial connection fails.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("recall: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxEpisodes,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("recall: create index %s (may already exist): %v", idxEpisodes, err)
	}

	index := m.client.Index(idxEpisodes)
	filterable := []interface{}{"conversationId", "characterId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("recall: update filterable attrs: %v", err)
	}
	searchable := []string{"summary"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("recall: update searchable attrs: %v", err)
	}
	sortable := []string{"bucketStart"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		log.Printf("recall: update sortable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("recall: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the episode index scoped to one conversation.
func (m *Meili) Search(q Query) ([]Result, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 5
	}

	resp, err := m.client.Index(idxEpisodes).Search(q.Text, &meili.SearchRequest{
		Limit:  limit,
		Filter: []string{fmt.Sprintf("conversationId = %q", q.ConversationID)},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch episode search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, Result{
			ConversationID: decodeString(hit, "conversationId"),
			BucketStart:    decodeString(hit, "bucketStart"),
			Summary:        decodeString(hit, "summary"),
		})
	}
	return results, nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// IndexEpisode adds or updates one episode in the index.
func (m *Meili) IndexEpisode(rec EpisodeRecord) error {
	_, err := m.client.Index(idxEpisodes).AddDocuments([]EpisodeRecord{rec}, nil)
	return err
}

// IndexEpisodes bulk-indexes episodes, used for reindexing from Postgres.
func (m *Meili) IndexEpisodes(records []EpisodeRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxEpisodes).AddDocuments(records, nil)
	return err
}
