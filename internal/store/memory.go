package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore keeps everything in process memory. Reads return copies.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]string
	results   map[string]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]string),
		results:   make(map[string]json.RawMessage),
	}
}

func (m *MemoryStore) Replace(_ context.Context, clientID string, repositories []string) error {
	if err := checkKey(clientID); err != nil {
		return err
	}
	snapshot := append([]string{}, repositories...)
	m.mu.Lock()
	m.snapshots[clientID] = snapshot
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Append(ctx context.Context, clientID, url string) error {
	return m.Replace(ctx, clientID, []string{url})
}

func (m *MemoryStore) Read(_ context.Context, clientID string) ([]string, error) {
	if err := checkKey(clientID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.snapshots[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string{}, snapshot...), nil
}

func (m *MemoryStore) WriteNamed(_ context.Context, name string, payload json.RawMessage) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := validPayload(payload); err != nil {
		return err
	}
	stored := append(json.RawMessage{}, payload...)
	m.mu.Lock()
	m.results[name] = stored
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ReadNamed(_ context.Context, name string) (json.RawMessage, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	payload, ok := m.results[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage{}, payload...), nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}
