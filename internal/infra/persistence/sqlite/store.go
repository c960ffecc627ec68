// Package sqlite persists the discovery catalog to an embedded SQLite file.
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

	"modos/internal/infra/persistence/memory"
	"modos/pkg/domain"
)

var _ domain.CatalogStore = (*Store)(nil)

// Store keeps one JSON row per endpoint listing and serves reads from the
// embedded memory store.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the catalog database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "modos-catalog.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS listings (
		endpoint TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create listings table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT endpoint, payload FROM listings`)
	if err != nil {
		return fmt.Errorf("select listings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{Listings: map[string]memory.Listing{}}
	for rows.Next() {
		var endpoint string
		var payload []byte
		if err := rows.Scan(&endpoint, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		var l memory.Listing
		if err := json.Unmarshal(payload, &l); err != nil {
			return fmt.Errorf("decode listing %s: %w", endpoint, err)
		}
		snapshot.Listings[endpoint] = l
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate listings: %w", err)
	}
	s.ImportState(snapshot)
	return nil
}

// Replace updates the memory store, then upserts the endpoint row.
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
	if _, err := s.db.ExecContext(ctx, `INSERT INTO listings(endpoint,payload) VALUES(?,?) ON CONFLICT(endpoint) DO UPDATE SET payload=excluded.payload`, endpoint, data); err != nil {
		return l, fmt.Errorf("upsert %s: %w", endpoint, err)
	}
	return l, nil
}

// Forget removes the endpoint row.
func (s *Store) Forget(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM listings WHERE endpoint = ?`, endpoint); err != nil {
		return fmt.Errorf("delete %s: %w", endpoint, err)
	}
	return s.Store.Forget(ctx, endpoint)
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
