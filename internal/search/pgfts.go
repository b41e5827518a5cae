package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgResults searches stored analysis results with PostgreSQL full-text
// search. It backs the result search when Meilisearch is not available.
type PgResults struct {
	db *sql.DB
}

func NewPgResults(db *sql.DB) *PgResults {
	return &PgResults{db: db}
}

func (p *PgResults) Search(ctx context.Context, query string, limit int) ([]ResultHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT name,
			ts_headline('simple', payload::text, plainto_tsquery('simple', $1),
				'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30') AS snippet
		FROM analysis_results
		WHERE fts @@ plainto_tsquery('simple', $1)
		ORDER BY ts_rank(fts, plainto_tsquery('simple', $1)) DESC, updated_at DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var hits []ResultHit
	for rows.Next() {
		var hit ResultHit
		if err := rows.Scan(&hit.Name, &hit.Snippet); err != nil {
			return nil, fmt.Errorf("pgfts scan: %w", err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgfts rows: %w", err)
	}
	return hits, nil
}
