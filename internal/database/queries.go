package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/extwarden/extwarden/internal/state"
)

// Extension registry queries

func (db *DB) UpsertExtension(ctx context.Context, ext *Extension) error {
	now := time.Now().UTC()
	var query string

	if db.dialect == DialectPostgres {
		query = `
			INSERT INTO extensions (slug, name, version, size, installed_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT(slug) DO UPDATE SET
				name = EXCLUDED.name,
				version = EXCLUDED.version,
				size = EXCLUDED.size,
				updated_at = EXCLUDED.updated_at`
	} else {
		query = `
			INSERT INTO extensions (slug, name, version, size, installed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(slug) DO UPDATE SET
				name = excluded.name,
				version = excluded.version,
				size = excluded.size,
				updated_at = excluded.updated_at`
	}

	_, err := db.ExecContext(ctx, query, ext.Slug, ext.Name, ext.Version, ext.Size, now, now)
	if err != nil {
		return fmt.Errorf("upserting extension: %w", err)
	}
	return nil
}

func (db *DB) GetExtension(ctx context.Context, slug string) (*Extension, error) {
	var ext Extension
	query := db.Rebind(`
		SELECT slug, name, version, size, installed_at, updated_at
		FROM extensions WHERE slug = ?
	`)
	err := db.GetContext(ctx, &ext, query, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ext, nil
}

func (db *DB) ListExtensions(ctx context.Context) ([]Extension, error) {
	var exts []Extension
	err := db.SelectContext(ctx, &exts, `
		SELECT slug, name, version, size, installed_at, updated_at
		FROM extensions ORDER BY slug
	`)
	if err != nil {
		return nil, err
	}
	return exts, nil
}

func (db *DB) DeleteExtension(ctx context.Context, slug string) error {
	query := db.Rebind("DELETE FROM extensions WHERE slug = ?")
	_, err := db.ExecContext(ctx, query, slug)
	return err
}

func (db *DB) CountExtensions(ctx context.Context) (int64, error) {
	var count int64
	err := db.GetContext(ctx, &count, "SELECT COUNT(*) FROM extensions")
	return count, err
}

// State store (implements state.Store)

func (db *DB) Load(ctx context.Context) (map[string]state.Status, error) {
	rows := []struct {
		Slug   string `db:"slug"`
		Status string `db:"status"`
	}{}
	err := db.SelectContext(ctx, &rows, "SELECT slug, status FROM extension_state")
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	states := make(map[string]state.Status, len(rows))
	for _, r := range rows {
		states[r.Slug] = state.Status(r.Status)
	}
	return states, nil
}

func (db *DB) Save(ctx context.Context, states map[string]state.Status) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM extension_state"); err != nil {
		return fmt.Errorf("clearing state: %w", err)
	}

	insert := tx.Rebind("INSERT INTO extension_state (slug, status) VALUES (?, ?)")
	for slug, status := range states {
		if _, err := tx.ExecContext(ctx, insert, slug, string(status)); err != nil {
			return fmt.Errorf("saving state for %s: %w", slug, err)
		}
	}

	return tx.Commit()
}

// GetStatus implements state.Store. The name avoids shadowing the
// promoted sqlx.DB.Get used for scalar reads.
func (db *DB) GetStatus(ctx context.Context, slug string) (state.Status, error) {
	var status string
	query := db.Rebind("SELECT status FROM extension_state WHERE slug = ?")
	err := db.GetContext(ctx, &status, query, slug)
	if errors.Is(err, sql.ErrNoRows) {
		// Absent means enabled.
		return state.Enabled, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading state: %w", err)
	}
	return state.Status(status), nil
}

func (db *DB) SetEnabled(ctx context.Context, slug string, enabled bool) error {
	status := state.Disabled
	if enabled {
		status = state.Enabled
	}

	var query string
	if db.dialect == DialectPostgres {
		query = `
			INSERT INTO extension_state (slug, status) VALUES ($1, $2)
			ON CONFLICT(slug) DO UPDATE SET status = EXCLUDED.status`
	} else {
		query = `
			INSERT INTO extension_state (slug, status) VALUES (?, ?)
			ON CONFLICT(slug) DO UPDATE SET status = excluded.status`
	}

	if _, err := db.ExecContext(ctx, query, slug, string(status)); err != nil {
		return fmt.Errorf("setting state for %s: %w", slug, err)
	}
	return nil
}

func (db *DB) Remove(ctx context.Context, slug string) error {
	query := db.Rebind("DELETE FROM extension_state WHERE slug = ?")
	if _, err := db.ExecContext(ctx, query, slug); err != nil {
		return fmt.Errorf("removing state for %s: %w", slug, err)
	}
	return nil
}

// Integrity baseline queries

// SaveBaseline fully replaces the baseline for a slug with the given
// path-to-hash map. The replacement is transactional so a concurrent
// check never observes a half-written baseline.
func (db *DB) SaveBaseline(ctx context.Context, slug string, files map[string]string) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	del := tx.Rebind("DELETE FROM baseline_files WHERE slug = ?")
	if _, err := tx.ExecContext(ctx, del, slug); err != nil {
		return fmt.Errorf("clearing baseline files: %w", err)
	}
	del = tx.Rebind("DELETE FROM baselines WHERE slug = ?")
	if _, err := tx.ExecContext(ctx, del, slug); err != nil {
		return fmt.Errorf("clearing baseline: %w", err)
	}

	ins := tx.Rebind("INSERT INTO baselines (slug, created_at) VALUES (?, ?)")
	if _, err := tx.ExecContext(ctx, ins, slug, time.Now().UTC()); err != nil {
		return fmt.Errorf("recording baseline: %w", err)
	}

	ins = tx.Rebind("INSERT INTO baseline_files (slug, path, hash) VALUES (?, ?, ?)")
	for path, hash := range files {
		if _, err := tx.ExecContext(ctx, ins, slug, path, hash); err != nil {
			return fmt.Errorf("recording baseline file %s: %w", path, err)
		}
	}

	return tx.Commit()
}

// LoadBaseline returns the baseline map and its creation time for a
// slug. The map is nil when no baseline exists.
func (db *DB) LoadBaseline(ctx context.Context, slug string) (map[string]string, time.Time, error) {
	var createdAt time.Time
	query := db.Rebind("SELECT created_at FROM baselines WHERE slug = ?")
	err := db.GetContext(ctx, &createdAt, query, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading baseline: %w", err)
	}

	var rows []BaselineFile
	query = db.Rebind("SELECT slug, path, hash FROM baseline_files WHERE slug = ?")
	if err := db.SelectContext(ctx, &rows, query, slug); err != nil {
		return nil, time.Time{}, fmt.Errorf("reading baseline files: %w", err)
	}

	files := make(map[string]string, len(rows))
	for _, r := range rows {
		files[r.Path] = r.Hash
	}
	return files, createdAt, nil
}

// DeleteBaseline removes the baseline for a slug, if any.
func (db *DB) DeleteBaseline(ctx context.Context, slug string) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	del := tx.Rebind("DELETE FROM baseline_files WHERE slug = ?")
	if _, err := tx.ExecContext(ctx, del, slug); err != nil {
		return fmt.Errorf("deleting baseline files: %w", err)
	}
	del = tx.Rebind("DELETE FROM baselines WHERE slug = ?")
	if _, err := tx.ExecContext(ctx, del, slug); err != nil {
		return fmt.Errorf("deleting baseline: %w", err)
	}

	return tx.Commit()
}
