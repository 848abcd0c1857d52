package database

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

// systemConfigRepo implements SystemConfigRepository. Reads are served from
// an in-memory copy so the call path never waits on SQLite for settings.
type systemConfigRepo struct {
	db    *DB
	mu    sync.RWMutex
	cache map[string]string
}

// NewSystemConfigRepository loads every stored key into memory and returns
// a repository backed by db.
func NewSystemConfigRepository(ctx context.Context, db *DB) (SystemConfigRepository, error) {
	repo := &systemConfigRepo{db: db, cache: make(map[string]string)}
	if err := repo.load(ctx); err != nil {
		return nil, fmt.Errorf("loading system config: %w", err)
	}
	return repo, nil
}

// Get returns the value for key, or "" when it was never set.
func (r *systemConfigRepo) Get(_ context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[key], nil
}

const upsertConfig = `INSERT INTO system_config (key, value, updated_at)
	VALUES (?, ?, datetime('now'))
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

// Set upserts key and refreshes the cache once the write succeeded.
func (r *systemConfigRepo) Set(ctx context.Context, key, value string) error {
	return r.SetMany(ctx, map[string]string{key: value})
}

// SetMany upserts every pair in one transaction. Either all keys change or
// none do; the cache follows the committed state.
func (r *systemConfigRepo) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning config transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertConfig)
	if err != nil {
		return fmt.Errorf("preparing config upsert: %w", err)
	}
	defer stmt.Close()

	for key, value := range values {
		if _, err := stmt.ExecContext(ctx, key, value); err != nil {
			return fmt.Errorf("setting config %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing config: %w", err)
	}

	r.mu.Lock()
	maps.Copy(r.cache, values)
	r.mu.Unlock()
	return nil
}

func (r *systemConfigRepo) load(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, "SELECT key, value FROM system_config")
	if err != nil {
		return fmt.Errorf("querying system config: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scanning config row: %w", err)
		}
		r.cache[key] = value
	}
	return rows.Err()
}
