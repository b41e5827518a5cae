// Package results accepts analysis results from the worker, stores them by
// name and pushes them to the client that asked for the analysis.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"reposcout/api/internal/channel"
	"reposcout/api/internal/store"
)

// DefaultName is used when the worker does not name its result.
const DefaultName = "default_name"

// ErrStorage means the result could not be persisted; nothing was emitted.
var ErrStorage = errors.New("storage error")

type Notifier interface {
	Emit(ctx context.Context, identity, event string, payload any)
}

// Indexer makes stored results searchable. Implementations must not block.
type Indexer interface {
	Index(name, clientID string, payload []byte)
}

// Observer records received results; nil disables it.
type Observer interface {
	ResultReceived(stored bool)
}

type Receiver struct {
	results  store.ResultStore
	notifier Notifier
	indexer  Indexer
	observer Observer
	logger   *zap.Logger
}

func NewReceiver(results store.ResultStore, notifier Notifier, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{results: results, notifier: notifier, logger: logger.Named("results")}
}

func (r *Receiver) WithIndexer(indexer Indexer) *Receiver {
	r.indexer = indexer
	return r
}

func (r *Receiver) WithObserver(observer Observer) *Receiver {
	r.observer = observer
	return r
}

// Receive stores payload under name, then pushes it to clientID as an
// analysis_result event. A blank name falls back to DefaultName. The
// returned name is the one the payload was stored under.
func (r *Receiver) Receive(ctx context.Context, clientID, name string, payload json.RawMessage) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}

	if err := r.results.WriteNamed(ctx, name, payload); err != nil {
		r.logger.Error("store analysis result", zap.String("name", name), zap.String("client_id", clientID), zap.Error(err))
		if r.observer != nil {
			r.observer.ResultReceived(false)
		}
		return name, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if r.observer != nil {
		r.observer.ResultReceived(true)
	}

	if r.notifier != nil && clientID != "" {
		r.notifier.Emit(ctx, clientID, channel.EventAnalysisResult, payload)
	}
	if r.indexer != nil {
		r.indexer.Index(name, clientID, payload)
	}
	r.logger.Info("analysis result stored", zap.String("name", name), zap.String("client_id", clientID))
	return name, nil
}
