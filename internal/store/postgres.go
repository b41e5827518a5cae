package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Replace(ctx context.Context, clientID string, repositories []string) error {
	if err := checkKey(clientID); err != nil {
		return err
	}
	payload, err := encodeSnapshot(repositories)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO search_snapshots (client_id, repositories, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (client_id) DO UPDATE
		SET repositories = EXCLUDED.repositories, updated_at = EXCLUDED.updated_at
	`, clientID, string(payload))
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, clientID, url string) error {
	return s.Replace(ctx, clientID, []string{url})
}

func (s *PostgresStore) Read(ctx context.Context, clientID string) ([]string, error) {
	if err := checkKey(clientID); err != nil {
		return nil, err
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT repositories FROM search_snapshots WHERE client_id=$1`, clientID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return decodeSnapshot(raw)
}

func (s *PostgresStore) WriteNamed(ctx context.Context, name string, payload json.RawMessage) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := validPayload(payload); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_results (name, payload, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (name) DO UPDATE
		SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
	`, name, string(payload))
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReadNamed(ctx context.Context, name string) (json.RawMessage, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM analysis_results WHERE name=$1`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load result: %w", err)
	}
	return json.RawMessage(raw), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
