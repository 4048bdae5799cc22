// Package sqlite provides a SQLite-backed storage driver. It wraps the
// in-memory store and snapshots each named store as a JSON blob row after
// every successful mutation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"polystore/internal/infra/persistence/memory"
	"polystore/pkg/domain"
)

var _ domain.Storage = (*Store)(nil)

// Store persists the in-memory state to a single SQLite table.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the SQLite file and hydrates the in-memory
// store from any existing snapshot.
func NewStore(path string, indexes ...domain.IndexSpec) (*Store, error) {
	if path == "" {
		path = "polystore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		store TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(indexes...), db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT store, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{}
	for rows.Next() {
		var store string
		var payload []byte
		if err := rows.Scan(&store, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		var bucket map[string][]byte
		if err := json.Unmarshal(payload, &bucket); err != nil {
			return fmt.Errorf("decode store %s: %w", store, err)
		}
		snapshot[store] = bucket
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if len(snapshot) > 0 {
		s.ImportState(snapshot)
	}
	return nil
}

func (s *Store) persist() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.Exec(`DELETE FROM state`); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	for store, bucket := range snapshot {
		payload, err := json.Marshal(bucket)
		if err != nil {
			return fmt.Errorf("encode store %s: %w", store, err)
		}
		if _, err := tx.Exec(`INSERT INTO state (store, payload) VALUES (?, ?)`, store, payload); err != nil {
			return fmt.Errorf("insert store %s: %w", store, err)
		}
	}
	return tx.Commit()
}

// Put writes through to memory, then snapshots to disk.
func (s *Store) Put(ctx context.Context, store, key string, value []byte) error {
	if err := s.Store.Put(ctx, store, key, value); err != nil {
		return err
	}
	return s.persist()
}

// Delete removes through to memory, then snapshots to disk.
func (s *Store) Delete(ctx context.Context, store, key string) (bool, error) {
	existed, err := s.Store.Delete(ctx, store, key)
	if err != nil {
		return existed, err
	}
	if !existed {
		return false, nil
	}
	return true, s.persist()
}

// PutBulk writes through to memory, then snapshots to disk.
func (s *Store) PutBulk(ctx context.Context, store string, values map[string][]byte) error {
	if err := s.Store.PutBulk(ctx, store, values); err != nil {
		return err
	}
	return s.persist()
}

// Clear empties the store, then snapshots to disk.
func (s *Store) Clear(ctx context.Context, store string) error {
	if err := s.Store.Clear(ctx, store); err != nil {
		return err
	}
	return s.persist()
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file location.
func (s *Store) Path() string { return s.path }
