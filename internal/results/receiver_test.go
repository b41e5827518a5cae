package results

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"reposcout/api/internal/channel"
	"reposcout/api/internal/store"
)

type emitCall struct {
	identity string
	event    string
	payload  any
}

type fakeNotifier struct{ calls []emitCall }

func (f *fakeNotifier) Emit(_ context.Context, identity, event string, payload any) {
	f.calls = append(f.calls, emitCall{identity, event, payload})
}

type fakeIndexer struct{ names []string }

func (f *fakeIndexer) Index(name, _ string, _ []byte) { f.names = append(f.names, name) }

type failingResults struct{}

func (failingResults) WriteNamed(context.Context, string, json.RawMessage) error {
	return errors.New("read-only filesystem")
}

func (failingResults) ReadNamed(context.Context, string) (json.RawMessage, error) {
	return nil, store.ErrNotFound
}

func TestReceiveStoresThenEmits(t *testing.T) {
	results := store.NewMemoryStore()
	notifier := &fakeNotifier{}
	indexer := &fakeIndexer{}
	payload := json.RawMessage(`{"client_id":"client-1","name":"report","score":7}`)

	name, err := NewReceiver(results, notifier, nil).WithIndexer(indexer).
		Receive(context.Background(), "client-1", "report", payload)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if name != "report" {
		t.Fatalf("expected name report, got %q", name)
	}

	stored, err := results.ReadNamed(context.Background(), "report")
	if err != nil {
		t.Fatalf("ReadNamed() error = %v", err)
	}
	if string(stored) != string(payload) {
		t.Fatalf("stored %s, want %s", stored, payload)
	}

	if len(notifier.calls) != 1 {
		t.Fatalf("expected one emit, got %d", len(notifier.calls))
	}
	call := notifier.calls[0]
	if call.identity != "client-1" || call.event != channel.EventAnalysisResult {
		t.Fatalf("unexpected emit %+v", call)
	}
	if len(indexer.names) != 1 || indexer.names[0] != "report" {
		t.Fatalf("unexpected index calls %v", indexer.names)
	}
}

func TestReceiveDefaultsName(t *testing.T) {
	results := store.NewMemoryStore()
	name, err := NewReceiver(results, nil, nil).Receive(context.Background(), "client-1", "  ", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if name != DefaultName {
		t.Fatalf("expected %q, got %q", DefaultName, name)
	}
	if _, err := results.ReadNamed(context.Background(), DefaultName); err != nil {
		t.Fatalf("ReadNamed(default) error = %v", err)
	}
}

func TestReceiveStorageFailureSkipsEmit(t *testing.T) {
	notifier := &fakeNotifier{}
	_, err := NewReceiver(failingResults{}, notifier, nil).Receive(context.Background(), "client-1", "report", json.RawMessage(`{}`))
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if len(notifier.calls) != 0 {
		t.Fatalf("expected no emit after storage failure, got %+v", notifier.calls)
	}
}

func TestReceiveSameNameOverwrites(t *testing.T) {
	results := store.NewMemoryStore()
	receiver := NewReceiver(results, nil, nil)
	_, _ = receiver.Receive(context.Background(), "client-1", "shared", json.RawMessage(`{"v":1}`))
	_, _ = receiver.Receive(context.Background(), "client-2", "shared", json.RawMessage(`{"v":2}`))

	stored, _ := results.ReadNamed(context.Background(), "shared")
	if string(stored) != `{"v":2}` {
		t.Fatalf("expected last write to win, got %s", stored)
	}
}

func TestReceiveInvalidNameIsStorageError(t *testing.T) {
	_, err := NewReceiver(store.NewMemoryStore(), nil, nil).Receive(context.Background(), "client-1", "bad\x00name", json.RawMessage(`{}`))
	if !errors.Is(err, ErrStorage) || !errors.Is(err, store.ErrInvalidKey) {
		t.Fatalf("expected storage error wrapping ErrInvalidKey, got %v", err)
	}
}
