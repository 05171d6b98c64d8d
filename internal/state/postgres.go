package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib" // registers the "pgx" driver
)

// ConnectPostgres opens url with the pgx driver, retrying while the server
// comes up.
func ConnectPostgres(ctx context.Context, url string, tries int, wait time.Duration) (*sql.DB, error) {
	var lastErr error
	for i := 0; i < tries; i++ {
		db, err := sql.Open("pgx", url)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				return db, nil
			}
			db.Close()
		}
		lastErr = err
		slog.Warn("waiting for database", slog.Int("try", i+1), slog.Any("error", err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("could not connect to database after %d tries: %w", tries, lastErr)
}

// OpenPostgres returns a Store backed by the progress table in url.
func OpenPostgres(ctx context.Context, url string) (Store, error) {
	db, err := ConnectPostgres(ctx, url, 10, 2*time.Second)
	if err != nil {
		return nil, err
	}
	s, err := newSQLStore(ctx, db, true)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
