package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	snapshotDir = "repositories"
	resultDir   = "analyzed_repositories"
	// maxFileKey keeps escaped names, plus temp and .json suffixes, inside
	// the 255 byte file name limit.
	maxFileKey = 200
	// lockStripes bounds the lock table; keys sharing a stripe serialize.
	lockStripes = 64
)

// FileStore keeps one JSON file per client snapshot and one per named
// result under baseDir. Writes go to a temp file that is renamed into place.
type FileStore struct {
	baseDir string
	locks   [lockStripes]sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	for _, dir := range []string{snapshotDir, resultDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Replace(_ context.Context, clientID string, repositories []string) error {
	if err := checkKey(clientID); err != nil {
		return err
	}
	payload, err := encodeSnapshot(repositories)
	if err != nil {
		return err
	}
	return s.write(snapshotDir, clientID, payload)
}

func (s *FileStore) Append(ctx context.Context, clientID, url string) error {
	return s.Replace(ctx, clientID, []string{url})
}

func (s *FileStore) Read(_ context.Context, clientID string) ([]string, error) {
	if err := checkKey(clientID); err != nil {
		return nil, err
	}
	raw, err := s.read(snapshotDir, clientID)
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(raw)
}

func (s *FileStore) WriteNamed(_ context.Context, name string, payload json.RawMessage) error {
	key, err := fileNameKey(name)
	if err != nil {
		return err
	}
	if err := validPayload(payload); err != nil {
		return err
	}
	return s.write(resultDir, key, payload)
}

func (s *FileStore) ReadNamed(_ context.Context, name string) (json.RawMessage, error) {
	key, err := fileNameKey(name)
	if err != nil {
		return nil, err
	}
	raw, err := s.read(resultDir, key)
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: result %s", ErrCorrupt, name)
	}
	return raw, nil
}

// Ping verifies the data directory is still reachable.
func (s *FileStore) Ping(context.Context) error {
	if _, err := os.Stat(s.baseDir); err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

func fileNameKey(name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	key := nameKey(name)
	if len(key) > maxFileKey {
		return "", fmt.Errorf("%w: %q is too long once escaped", ErrInvalidKey, name)
	}
	return key, nil
}

func (s *FileStore) path(dir, key string) string {
	return filepath.Join(s.baseDir, dir, key+".json")
}

func (s *FileStore) write(dir, key string, payload []byte) error {
	lock := s.lock(dir, key)
	lock.Lock()
	defer lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Join(s.baseDir, dir), "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(dir, key)); err != nil {
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) read(dir, key string) ([]byte, error) {
	lock := s.lock(dir, key)
	lock.RLock()
	defer lock.RUnlock()

	raw, err := os.ReadFile(s.path(dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrCorrupt, key)
	}
	return raw, nil
}

func (s *FileStore) lock(dir, key string) *sync.RWMutex {
	return &s.locks[xxhash.Sum64String(dir+"/"+key)%lockStripes]
}
