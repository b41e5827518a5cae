// Package channel binds client identities to live push connections and
// delivers addressed events to them.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event names pushed to clients.
const (
	EventConnected      = "connected"
	EventSearchResult   = "search_result"
	EventAnalysisResult = "analysis_result"
	EventError          = "error"
)

var ErrInvalidIdentity = errors.New("invalid client identity")

var errRelayClosed = errors.New("relay subscription closed")

const claimTimeout = 2 * time.Second

// Frame is the envelope written to a push connection.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Conn is one live push connection.
type Conn interface {
	ID() string
	// Send queues frame for delivery without blocking.
	Send(frame Frame) error
	Close() error
}

// Relay fans emits out to every API instance, so a client bound to another
// process still receives its events. Claims record which instance and
// connection currently own an identity; only the owner delivers.
type Relay interface {
	Publish(ctx context.Context, identity string, frame Frame) error
	// Run calls ready once the subscription is live and deliver for every
	// relayed frame until ctx ends or the subscription fails.
	Run(ctx context.Context, ready func(), deliver func(identity string, frame Frame)) error
	Claim(ctx context.Context, identity, owner string) error
	// Release drops the claim only while owner still holds it.
	Release(ctx context.Context, identity, owner string) error
	// Owner returns the current claim, or "" when there is none.
	Owner(ctx context.Context, identity string) (string, error)
}

// Stats receives delivery accounting; nil disables it.
type Stats interface {
	Delivered(event string)
	Dropped(event string)
	Bound(delta int)
}

type Hub struct {
	mu       sync.RWMutex
	bindings map[string]Conn
	instance string
	relay    Relay
	// relayLive is set while the relay subscription runs; emits fall back
	// to local delivery otherwise.
	relayLive atomic.Bool
	stats     Stats
	logger    *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		bindings: make(map[string]Conn),
		instance: uuid.NewString(),
		logger:   logger,
	}
}

// WithRelay routes emits through relay. Start must be called to consume it.
func (h *Hub) WithRelay(relay Relay) *Hub {
	h.relay = relay
	return h
}

func (h *Hub) WithStats(stats Stats) *Hub {
	h.stats = stats
	return h
}

// Start consumes the relay until ctx ends, resubscribing with backoff when
// the subscription fails. Without a relay it returns at once.
func (h *Hub) Start(ctx context.Context) error {
	if h.relay == nil {
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		err := h.relay.Run(ctx,
			func() { h.relayLive.Store(true) },
			func(identity string, frame Frame) { h.deliverOwned(ctx, identity, frame) })
		h.relayLive.Store(false)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errRelayClosed
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		h.logger.Warn("push relay down, delivering locally", zap.Duration("retry_in", wait), zap.Error(err))
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (h *Hub) owner(conn Conn) string {
	return h.instance + "/" + conn.ID()
}

// Join makes conn the delivery target for identity, superseding any earlier
// connection, and confirms the binding on conn.
func (h *Hub) Join(identity string, conn Conn) error {
	if strings.TrimSpace(identity) == "" || conn == nil {
		return ErrInvalidIdentity
	}

	h.mu.Lock()
	previous, replaced := h.bindings[identity]
	h.bindings[identity] = conn
	h.mu.Unlock()

	switch {
	case !replaced:
		if h.stats != nil {
			h.stats.Bound(1)
		}
	case previous.ID() != conn.ID():
		h.logger.Info("channel binding superseded",
			zap.String("client_id", identity),
			zap.String("previous_conn", previous.ID()),
			zap.String("conn", conn.ID()))
	}

	if h.relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), claimTimeout)
		if err := h.relay.Claim(ctx, identity, h.owner(conn)); err != nil {
			h.logger.Warn("claim binding", zap.String("client_id", identity), zap.Error(err))
		}
		cancel()
	}

	frame, err := NewFrame(EventConnected, map[string]string{"id": identity})
	if err != nil {
		return err
	}
	if err := conn.Send(frame); err != nil {
		h.logger.Warn("connected confirmation failed", zap.String("client_id", identity), zap.Error(err))
	}
	return nil
}

// Leave clears identity's binding if conn is still its delivery target.
// A superseded connection leaving does not disturb its successor.
func (h *Hub) Leave(identity string, conn Conn) {
	h.mu.Lock()
	current, ok := h.bindings[identity]
	cleared := ok && current.ID() == conn.ID()
	if cleared {
		delete(h.bindings, identity)
	}
	h.mu.Unlock()

	if !cleared {
		return
	}
	if h.stats != nil {
		h.stats.Bound(-1)
	}
	if h.relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), claimTimeout)
		defer cancel()
		if err := h.relay.Release(ctx, identity, h.owner(conn)); err != nil {
			h.logger.Warn("release binding", zap.String("client_id", identity), zap.Error(err))
		}
	}
}

// Bound reports whether identity currently has a delivery target on this instance.
func (h *Hub) Bound(identity string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.bindings[identity]
	return ok
}

// Emit delivers payload as event to identity's bound connection. Delivery is
// at most once: with no binding the event is dropped.
func (h *Hub) Emit(ctx context.Context, identity, event string, payload any) {
	frame, err := NewFrame(event, payload)
	if err != nil {
		h.logger.Error("encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	if h.relay != nil && h.relayLive.Load() {
		err := h.relay.Publish(ctx, identity, frame)
		if err == nil {
			return
		}
		h.logger.Warn("relay publish failed, delivering locally", zap.String("event", event), zap.Error(err))
	}
	h.deliver(identity, frame)
}

// deliverOwned handles a relayed frame. Every instance sees it; only the
// one holding the claimed connection sends it.
func (h *Hub) deliverOwned(ctx context.Context, identity string, frame Frame) {
	h.mu.RLock()
	conn, ok := h.bindings[identity]
	h.mu.RUnlock()
	if !ok {
		return
	}
	owner, err := h.relay.Owner(ctx, identity)
	if err != nil {
		h.logger.Warn("binding owner lookup failed, delivering locally", zap.String("client_id", identity), zap.Error(err))
	} else if owner != "" && owner != h.owner(conn) {
		h.logger.Debug("binding owned elsewhere", zap.String("client_id", identity), zap.String("owner", owner))
		return
	}
	h.deliver(identity, frame)
}

func (h *Hub) deliver(identity string, frame Frame) bool {
	h.mu.RLock()
	conn, ok := h.bindings[identity]
	h.mu.RUnlock()

	if !ok {
		h.logger.Debug("no binding, event dropped", zap.String("client_id", identity), zap.String("event", frame.Event))
		if h.stats != nil {
			h.stats.Dropped(frame.Event)
		}
		return false
	}
	if err := conn.Send(frame); err != nil {
		h.logger.Warn("event delivery failed",
			zap.String("client_id", identity),
			zap.String("event", frame.Event),
			zap.Error(err))
		if h.stats != nil {
			h.stats.Dropped(frame.Event)
		}
		return false
	}
	if h.stats != nil {
		h.stats.Delivered(frame.Event)
	}
	return true
}

func NewFrame(event string, payload any) (Frame, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return Frame{Event: event, Data: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}
