// Package store persists per-client search snapshots and named analysis results.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"unicode"
	"unicode/utf8"
)

var (
	// ErrNotFound means nothing was ever written under the key.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt means a record exists but cannot be decoded.
	ErrCorrupt = errors.New("corrupt record")
	// ErrInvalidKey rejects client ids and result names that cannot be stored.
	ErrInvalidKey = errors.New("invalid key")
)

// SnapshotStore holds the most recent search result set of each client.
// A write replaces the client's previous snapshot in full.
type SnapshotStore interface {
	Replace(ctx context.Context, clientID string, repositories []string) error
	// Append records a manually submitted repository. The snapshot becomes
	// the singleton [url].
	Append(ctx context.Context, clientID, url string) error
	Read(ctx context.Context, clientID string) ([]string, error)
}

// ResultStore holds analysis payloads addressed by result name. Writing a
// name that already exists overwrites it regardless of which client wrote it.
type ResultStore interface {
	WriteNamed(ctx context.Context, name string, payload json.RawMessage) error
	ReadNamed(ctx context.Context, name string) (json.RawMessage, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Store interface {
	SnapshotStore
	ResultStore
	Pinger
}

// snapshotRecord is the persisted snapshot shape shared by all backends.
type snapshotRecord struct {
	Repositories []string `json:"repositories"`
}

func encodeSnapshot(repositories []string) ([]byte, error) {
	if repositories == nil {
		repositories = []string{}
	}
	payload, err := json.MarshalIndent(snapshotRecord{Repositories: repositories}, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return payload, nil
}

func decodeSnapshot(raw []byte) ([]string, error) {
	var record snapshotRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if record.Repositories == nil {
		return nil, fmt.Errorf("%w: missing repositories", ErrCorrupt)
	}
	return record.Repositories, nil
}

func validPayload(payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrCorrupt)
	}
	return nil
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,199}$`)

// ValidKey reports whether s may be used as a client id or result name.
func ValidKey(s string) bool {
	return keyPattern.MatchString(s)
}

func checkKey(s string) error {
	if !ValidKey(s) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return nil
}

const maxNameLen = 200

// ValidName reports whether s may name a stored result. Names are free text
// such as "owner/repo"; backends that need a path-safe form use nameKey.
func ValidName(s string) bool {
	if s == "" || len(s) > maxNameLen || !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func checkName(s string) error {
	if !ValidName(s) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return nil
}

// nameKey escapes a result name into a single path segment.
func nameKey(name string) string {
	return url.PathEscape(name)
}

// Combine serves snapshots and named results from different backends.
func Combine(snapshots SnapshotStore, results ResultStore) Store {
	return combined{SnapshotStore: snapshots, ResultStore: results}
}

type combined struct {
	SnapshotStore
	ResultStore
}

func (c combined) Ping(ctx context.Context) error {
	if p, ok := c.SnapshotStore.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	if p, ok := c.ResultStore.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}
