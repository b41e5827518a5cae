// Package queue forwards a client's snapshot to the analysis worker queue.
package queue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"reposcout/api/internal/store"
)

var (
	// ErrEmptySnapshot means there is nothing to dispatch for the client.
	ErrEmptySnapshot = errors.New("empty snapshot")
	// ErrUnavailable means the broker could not be reached or refused a message.
	ErrUnavailable = errors.New("queue unavailable")
)

// Message is the body the analysis worker consumes, one per repository.
type Message struct {
	ClientID string `json:"client_id"`
	RepoURL  string `json:"repo_url"`
}

// Publisher hands one message to the broker and returns once the broker has
// accepted it.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Result reports how many of the snapshot's entries reached the broker.
type Result struct {
	Published int `json:"published"`
	Total     int `json:"total"`
}

// Observer records dispatch outcomes; nil disables it.
type Observer interface {
	MessagesPublished(n int)
}

type Dispatcher struct {
	snapshots store.SnapshotStore
	publisher Publisher
	observer  Observer
	logger    *zap.Logger
}

func NewDispatcher(snapshots store.SnapshotStore, publisher Publisher, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{snapshots: snapshots, publisher: publisher, logger: logger.Named("dispatch")}
}

func (d *Dispatcher) WithObserver(observer Observer) *Dispatcher {
	d.observer = observer
	return d
}

// Dispatch publishes one message per entry of clientID's snapshot, in
// snapshot order. The first publish failure stops the run; the returned
// Result still says how many messages got through.
func (d *Dispatcher) Dispatch(ctx context.Context, clientID string) (Result, error) {
	repositories, err := d.snapshots.Read(ctx, clientID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Result{}, ErrEmptySnapshot
	case err != nil:
		return Result{}, fmt.Errorf("read snapshot: %w", err)
	case len(repositories) == 0:
		return Result{}, ErrEmptySnapshot
	}

	result := Result{Total: len(repositories)}
	defer func() {
		if d.observer != nil && result.Published > 0 {
			d.observer.MessagesPublished(result.Published)
		}
	}()

	for _, url := range repositories {
		if err := d.publisher.Publish(ctx, Message{ClientID: clientID, RepoURL: url}); err != nil {
			d.logger.Warn("dispatch aborted",
				zap.String("client_id", clientID),
				zap.Int("published", result.Published),
				zap.Int("total", result.Total),
				zap.Error(err))
			if !errors.Is(err, ErrUnavailable) {
				err = fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			return result, err
		}
		result.Published++
	}

	d.logger.Info("snapshot dispatched", zap.String("client_id", clientID), zap.Int("messages", result.Published))
	return result, nil
}
