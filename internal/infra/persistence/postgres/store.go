// Package postgres persists the discovery catalog to Postgres so several
// clients can share one listing cache.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"modos/internal/infra/persistence/memory"
	"modos/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the catalog interface.
var _ domain.CatalogStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/modos?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store writes listings to Postgres and serves reads from memory.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed catalog using dsn (falls back to
// defaultDSN), ensures the listings table exists and hydrates the memory
// store from it.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureTable(ctx, db); err != nil {
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore()
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

func ensureTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS listings (
		endpoint TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure listings table: %w", err)
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT endpoint, payload FROM listings`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select listings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := memory.Snapshot{Listings: map[string]memory.Listing{}}
	for rows.Next() {
		var endpoint string
		var payload []byte
		if err := rows.Scan(&endpoint, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan listing: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		var l memory.Listing
		if err := json.Unmarshal(payload, &l); err != nil {
			return memory.Snapshot{}, fmt.Errorf("decode %s: %w", endpoint, err)
		}
		snapshot.Listings[endpoint] = l
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate listings: %w", err)
	}
	return snapshot, nil
}

// Replace updates memory and upserts the endpoint row in one transaction.
func (s *Store) Replace(ctx context.Context, endpoint string, entries []memory.Entry) (memory.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.Store.Replace(ctx, endpoint, entries)
	if err != nil {
		return l, err
	}
	data, err := json.Marshal(l)
	if err != nil {
		return l, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return l, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `INSERT INTO listings(endpoint,payload) VALUES($1,$2) ON CONFLICT(endpoint) DO UPDATE SET payload=EXCLUDED.payload`, endpoint, data); err != nil {
		return l, fmt.Errorf("upsert %s: %w", endpoint, err)
	}
	if err := tx.Commit(); err != nil {
		return l, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return l, nil
}

// Forget deletes the endpoint row.
func (s *Store) Forget(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM listings WHERE endpoint = $1`, endpoint); err != nil {
		return fmt.Errorf("delete %s: %w", endpoint, err)
	}
	return s.Store.Forget(ctx, endpoint)
}

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
