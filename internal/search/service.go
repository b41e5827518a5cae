// Package search runs repository searches against the upstream provider and
// full-text searches over stored analysis results.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reposcout/api/internal/channel"
	"reposcout/api/internal/github"
	"reposcout/api/internal/store"
)

// ErrProvider means at least one page of the upstream search failed.
var ErrProvider = errors.New("provider error")

const (
	DefaultPerPage = 10
	DefaultPages   = 1
)

// GitHub serves at most 100 items per page and the first 1000 results.
const (
	maxPerPage = 100
	maxResults = 1000
)

const fetchFanout = 4

const (
	statusSuccess = "success"
	statusError   = "error"
	codeProvider  = "PROVIDER_ERROR"
	codeStorage   = "STORAGE_ERROR"
)

type Filters struct {
	Language string `json:"language"`
	Topic    string `json:"topic"`
	PerPage  int    `json:"perPage"`
	Pages    int    `json:"pages"`
}

// Normalize applies defaults and clamps to what the provider can serve.
func (f Filters) Normalize() Filters {
	if f.PerPage <= 0 {
		f.PerPage = DefaultPerPage
	}
	if f.PerPage > maxPerPage {
		f.PerPage = maxPerPage
	}
	if f.Pages <= 0 {
		f.Pages = DefaultPages
	}
	if f.PerPage*f.Pages > maxResults {
		f.Pages = maxResults / f.PerPage
	}
	return f
}

// Response is both the direct reply to the caller and the search_result
// channel payload. A success always carries repositories, even when empty;
// an error never does.
type Response struct {
	Status       string   `json:"status"`
	Repositories []string `json:"repositories"`
	Code         string   `json:"code,omitempty"`
	Message      string   `json:"message,omitempty"`
}

func (r Response) MarshalJSON() ([]byte, error) {
	if r.Status != statusSuccess {
		return json.Marshal(struct {
			Status  string `json:"status"`
			Code    string `json:"code,omitempty"`
			Message string `json:"message,omitempty"`
		}{r.Status, r.Code, r.Message})
	}
	repositories := r.Repositories
	if repositories == nil {
		repositories = []string{}
	}
	return json.Marshal(struct {
		Status       string   `json:"status"`
		Repositories []string `json:"repositories"`
	}{r.Status, repositories})
}

type Provider interface {
	SearchRepositories(ctx context.Context, q github.SearchQuery) ([]github.Repository, error)
}

type Notifier interface {
	Emit(ctx context.Context, identity, event string, payload any)
}

// Observer records search outcomes; nil disables it.
type Observer interface {
	SearchCompleted(status string, elapsed time.Duration)
}

type Service struct {
	provider  Provider
	snapshots store.SnapshotStore
	notifier  Notifier
	observer  Observer
	logger    *zap.Logger
}

func NewService(provider Provider, snapshots store.SnapshotStore, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		provider:  provider,
		snapshots: snapshots,
		notifier:  notifier,
		logger:    logger.Named("search"),
	}
}

func (s *Service) WithObserver(observer Observer) *Service {
	s.observer = observer
	return s
}

// Search fetches every requested page, replaces clientID's snapshot with the
// aggregated URLs and notifies the client's channel. Pages are all-or-nothing:
// if one fails nothing is persisted. The returned Response is the exact
// payload that was emitted; err is non-nil whenever Response.Status is error.
func (s *Service) Search(ctx context.Context, clientID string, filters Filters) (Response, error) {
	started := time.Now()
	filters = filters.Normalize()

	resp, err := s.search(ctx, clientID, filters)
	if err != nil {
		s.logger.Warn("search failed",
			zap.String("client_id", clientID),
			zap.String("language", filters.Language),
			zap.String("topic", filters.Topic),
			zap.Error(err))
	}
	if s.observer != nil {
		s.observer.SearchCompleted(resp.Status, time.Since(started))
	}
	if s.notifier != nil {
		s.notifier.Emit(ctx, clientID, channel.EventSearchResult, resp)
	}
	return resp, err
}

func (s *Service) search(ctx context.Context, clientID string, filters Filters) (Response, error) {
	repositories, err := s.fetchAll(ctx, filters)
	if err != nil {
		return Response{Status: statusError, Code: codeProvider, Message: "Error searching repositories"}, err
	}
	if err := s.snapshots.Replace(ctx, clientID, repositories); err != nil {
		return Response{Status: statusError, Code: codeStorage, Message: "Failed to save search results"}, fmt.Errorf("save snapshot: %w", err)
	}
	return Response{Status: statusSuccess, Repositories: repositories}, nil
}

func (s *Service) fetchAll(ctx context.Context, filters Filters) ([]string, error) {
	pages := make([][]github.Repository, filters.Pages)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchFanout)
	for i := range pages {
		page := i + 1
		g.Go(func() error {
			items, err := s.provider.SearchRepositories(gctx, github.SearchQuery{
				Language: filters.Language,
				Topic:    filters.Topic,
				PerPage:  filters.PerPage,
				Page:     page,
			})
			if err != nil {
				return fmt.Errorf("%w: page %d: %v", ErrProvider, page, err)
			}
			pages[page-1] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	repositories := make([]string, 0, filters.PerPage*filters.Pages)
	for _, items := range pages {
		for _, item := range items {
			repositories = append(repositories, item.HTMLURL)
		}
	}
	return repositories, nil
}
