// Package postgres provides a Postgres-backed storage driver that mirrors
// the in-memory semantics and snapshots state after each mutation.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"polystore/internal/infra/persistence/memory"
	"polystore/pkg/domain"
)

var _ domain.Storage = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/polystore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory
// implementation for reads and index queries.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the snapshot table exists, and hydrates memory from
// any existing snapshot.
func NewStore(dsn string, indexes ...domain.IndexSpec) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		store TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	mem := memory.NewStore(indexes...)
	s := &Store{Store: mem, db: db}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT store, payload FROM state`)
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

func (s *Store) persist(ctx context.Context) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM state`); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	for store, bucket := range snapshot {
		payload, err := json.Marshal(bucket)
		if err != nil {
			return fmt.Errorf("encode store %s: %w", store, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state (store, payload) VALUES ($1, $2)`, store, payload); err != nil {
			return fmt.Errorf("insert store %s: %w", store, err)
		}
	}
	return tx.Commit()
}

// Put writes through to memory, then snapshots to Postgres.
func (s *Store) Put(ctx context.Context, store, key string, value []byte) error {
	if err := s.Store.Put(ctx, store, key, value); err != nil {
		return err
	}
	return s.persist(ctx)
}

// Delete removes through to memory, then snapshots to Postgres.
func (s *Store) Delete(ctx context.Context, store, key string) (bool, error) {
	existed, err := s.Store.Delete(ctx, store, key)
	if err != nil {
		return existed, err
	}
	if !existed {
		return false, nil
	}
	return true, s.persist(ctx)
}

// PutBulk writes through to memory, then snapshots to Postgres.
func (s *Store) PutBulk(ctx context.Context, store string, values map[string][]byte) error {
	if err := s.Store.PutBulk(ctx, store, values); err != nil {
		return err
	}
	return s.persist(ctx)
}

// Clear empties the store, then snapshots to Postgres.
func (s *Store) Clear(ctx context.Context, store string) error {
	if err := s.Store.Clear(ctx, store); err != nil {
		return err
	}
	return s.persist(ctx)
}

// DB exposes the underlying handle for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
