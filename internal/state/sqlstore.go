package state

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go-ingest/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS progress (
	id              TEXT PRIMARY KEY,
	category        TEXT NOT NULL,
	kind            TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_attempt_ms BIGINT NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	path            TEXT NOT NULL DEFAULT '',
	size_bytes      BIGINT NOT NULL DEFAULT 0,
	source          TEXT NOT NULL DEFAULT '',
	run_id          TEXT NOT NULL DEFAULT ''
)`

// addedColumns are columns newer than the first progress schema. Stores
// created before them are upgraded on open.
var addedColumns = []struct{ name, def string }{
	{"source", "TEXT NOT NULL DEFAULT ''"},
	{"run_id", "TEXT NOT NULL DEFAULT ''"},
}

const upsertProgress = `
INSERT INTO progress (id, category, kind, title, status, attempts, last_attempt_ms, last_error, path, size_bytes, source, run_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	category = excluded.category,
	kind = excluded.kind,
	title = excluded.title,
	status = excluded.status,
	attempts = excluded.attempts,
	last_attempt_ms = excluded.last_attempt_ms,
	last_error = excluded.last_error,
	path = excluded.path,
	size_bytes = excluded.size_bytes,
	source = excluded.source,
	run_id = excluded.run_id`

const selectProgress = `
SELECT id, category, kind, title, status, attempts, last_attempt_ms, last_error, path, size_bytes, source, run_id
FROM progress`

// sqlStore implements Store over database/sql. SQLite and Postgres share the
// schema and queries; only placeholder syntax differs.
type sqlStore struct {
	db     *sql.DB
	dollar bool
	upsert string
}

func newSQLStore(ctx context.Context, db *sql.DB, dollar bool) (*sqlStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating progress table: %w", err)
	}
	if err := addMissingColumns(ctx, db); err != nil {
		return nil, err
	}
	s := &sqlStore{db: db, dollar: dollar, upsert: upsertProgress}
	if dollar {
		s.upsert = rebind(upsertProgress)
	}
	return s, nil
}

func addMissingColumns(ctx context.Context, db *sql.DB) error {
	for _, col := range addedColumns {
		rows, err := db.QueryContext(ctx, "SELECT "+col.name+" FROM progress LIMIT 0")
		if err == nil {
			rows.Close()
			continue
		}
		if _, err := db.ExecContext(ctx, "ALTER TABLE progress ADD COLUMN "+col.name+" "+col.def); err != nil {
			return fmt.Errorf("adding progress column %s: %w", col.name, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $1, $2, ... for Postgres.
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Load(ctx context.Context) (map[string]models.ProgressEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectProgress)
	if err != nil {
		return nil, fmt.Errorf("%w: reading progress: %v", ErrCorrupt, err)
	}
	defer rows.Close()

	entries := make(map[string]models.ProgressEntry)
	for rows.Next() {
		var (
			e                    models.ProgressEntry
			category, kind, stat string
			lastMs               int64
		)
		if err := rows.Scan(&e.ID, &category, &kind, &e.Title, &stat, &e.Attempts, &lastMs, &e.LastError, &e.Path, &e.Size, &e.Source, &e.RunID); err != nil {
			return nil, fmt.Errorf("%w: scanning progress row: %v", ErrCorrupt, err)
		}
		e.Category = models.Category(category)
		if e.Status, err = models.ParseStatus(stat); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, e.ID, err)
		}
		if e.Kind, err = models.ParseKind(kind, e.ID); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, e.ID, err)
		}
		if lastMs > 0 {
			e.LastAttempt = time.UnixMilli(lastMs).UTC()
		}
		if _, dup := entries[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrCorrupt, e.ID)
		}
		entries[e.ID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading progress: %v", ErrCorrupt, err)
	}
	return entries, nil
}

func (s *sqlStore) Put(ctx context.Context, e models.ProgressEntry) error {
	var lastMs int64
	if !e.LastAttempt.IsZero() {
		lastMs = e.LastAttempt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, s.upsert,
		e.ID, e.Category.String(), e.Kind.String(), e.Title, e.Status.String(),
		e.Attempts, lastMs, e.LastError, e.Path, e.Size, e.Source, e.RunID)
	return err
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
