package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v4/stdlib"

	"go-ingest/pkg/models"
)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS catalog (
	id          TEXT PRIMARY KEY,
	category    TEXT NOT NULL,
	status      TEXT NOT NULL,
	path        TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	size_bytes  BIGINT NOT NULL DEFAULT 0,
	attempts    INTEGER NOT NULL DEFAULT 0,
	recorded_at TIMESTAMPTZ,
	run_id      TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT '',
	last_error  TEXT NOT NULL DEFAULT ''
)`

const catalogUpgrade = `
ALTER TABLE catalog
	ADD COLUMN IF NOT EXISTS source TEXT NOT NULL DEFAULT '',
	ADD COLUMN IF NOT EXISTS last_error TEXT NOT NULL DEFAULT ''`

// Storage wraps the catalog database handle.
type Storage struct {
	db *sql.DB
}

func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// PostgresSink upserts catalog rows, one row per identifier.
type PostgresSink struct {
	*Storage
	log *slog.Logger
}

// NewPostgresSink creates the catalog table if needed.
func NewPostgresSink(ctx context.Context, db *sql.DB, log *slog.Logger) (*PostgresSink, error) {
	if _, err := db.ExecContext(ctx, catalogSchema); err != nil {
		return nil, fmt.Errorf("create catalog table: %w", err)
	}
	if _, err := db.ExecContext(ctx, catalogUpgrade); err != nil {
		return nil, fmt.Errorf("upgrade catalog table: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresSink{Storage: NewStorage(db), log: log}, nil
}

func (s *PostgresSink) Save(batch []models.CatalogEntry) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO catalog (id, category, status, path, title, size_bytes, attempts, recorded_at, run_id, source, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			category = excluded.category,
			status = excluded.status,
			path = excluded.path,
			title = excluded.title,
			size_bytes = excluded.size_bytes,
			attempts = excluded.attempts,
			recorded_at = excluded.recorded_at,
			run_id = excluded.run_id,
			source = excluded.source,
			last_error = excluded.last_error`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		var ts any
		if !e.Timestamp.IsZero() {
			ts = e.Timestamp.UTC()
		}
		if _, err := stmt.Exec(e.ID, string(e.Category), e.Status, e.Path, e.Title, e.Size, e.Attempts, ts, e.RunID, e.Source, e.Error); err != nil {
			return fmt.Errorf("upsert catalog row %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug("saved catalog batch", "rows", len(batch))
	return nil
}
