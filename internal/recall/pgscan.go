package recall

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgScan implements Searcher over the persisted state documents. It scans
// the episode array inside the conversation doc, which is slower than the
// index but always consistent with what the scribe last committed.
type PgScan struct {
	db *sql.DB
}

func NewPgScan(db *sql.DB) *PgScan {
	return &PgScan{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgScan) Healthy() bool {
	return true
}

// Search matches episode summaries for one conversation, newest first.
func (p *PgScan) Search(q Query) ([]Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return p.latest(q)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}

	rows, err := p.db.QueryContext(context.Background(), `
		SELECT cs.conversation_id, e->>'bucket_start', e->>'summary'
		FROM conversation_states cs,
		     jsonb_array_elements(cs.doc->'memory'->'episodes') e
		WHERE cs.conversation_id = $1
		  AND e->>'summary' ILIKE '%' || $2 || '%'
		ORDER BY e->>'bucket_start' DESC
		LIMIT $3`,
		q.ConversationID, q.Text, limit)
	if err != nil {
		return nil, fmt.Errorf("scan episodes: %w", err)
	}
	defer rows.Close()

	return collectResults(rows)
}

// latest returns the most recent episodes when there is no query text.
func (p *PgScan) latest(q Query) ([]Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}

	rows, err := p.db.QueryContext(context.Background(), `
		SELECT cs.conversation_id, e->>'bucket_start', e->>'summary'
		FROM conversation_states cs,
		     jsonb_array_elements(cs.doc->'memory'->'episodes') e
		WHERE cs.conversation_id = $1
		ORDER BY e->>'bucket_start' DESC
		LIMIT $2`,
		q.ConversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("scan latest episodes: %w", err)
	}
	defer rows.Close()

	return collectResults(rows)
}

func collectResults(rows *sql.Rows) ([]Result, error) {
	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ConversationID, &r.BucketStart, &r.Summary); err != nil {
			return nil, fmt.Errorf("scan episode row: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
