package search

import (
	"context"

	"go.uber.org/zap"
)

const defaultResultLimit = 20

// ResultHit is one match of a result search.
type ResultHit struct {
	Name     string `json:"name"`
	ClientID string `json:"clientId,omitempty"`
	Snippet  string `json:"snippet"`
}

type ResultsResponse struct {
	Results []ResultHit `json:"results"`
	Query   string      `json:"query"`
}

// ResultFinder tries Meilisearch first and falls back to Postgres FTS.
// Either may be nil.
type ResultFinder struct {
	index  *ResultIndex
	pg     *PgResults
	logger *zap.Logger
}

func NewResultFinder(index *ResultIndex, pg *PgResults, logger *zap.Logger) *ResultFinder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultFinder{index: index, pg: pg, logger: logger.Named("results-search")}
}

// Find never fails; errors degrade to an empty result list.
func (f *ResultFinder) Find(ctx context.Context, query string, limit int) ResultsResponse {
	if limit <= 0 || limit > 100 {
		limit = defaultResultLimit
	}
	if f.index != nil && f.index.Healthy() {
		hits, err := f.index.Search(query, limit)
		if err == nil {
			return ResultsResponse{Results: nonNil(hits), Query: query}
		}
		f.logger.Warn("meilisearch error, falling back", zap.Error(err))
	}
	if f.pg != nil {
		hits, err := f.pg.Search(ctx, query, limit)
		if err == nil {
			return ResultsResponse{Results: nonNil(hits), Query: query}
		}
		f.logger.Warn("pgfts error", zap.Error(err))
	}
	return ResultsResponse{Results: []ResultHit{}, Query: query}
}

// Index forwards to the Meilisearch index when one is configured.
func (f *ResultFinder) Index(name, clientID string, payload []byte) {
	if f.index == nil {
		return
	}
	f.index.Index(name, clientID, payload)
}

func nonNil(hits []ResultHit) []ResultHit {
	if hits == nil {
		return []ResultHit{}
	}
	return hits
}
