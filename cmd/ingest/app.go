package main

import (
	"context"
	"io"
	"log/slog"
	"time"

	"go-ingest/internal/config"
	"go-ingest/internal/fetch"
	"go-ingest/internal/logging"
	"go-ingest/internal/pipeline"
	"go-ingest/internal/retry"
	"go-ingest/internal/state"
	"go-ingest/internal/storage"
	"go-ingest/pkg/models"
)

// app carries what every subcommand needs once configuration is loaded.
type app struct {
	cfg *config.Config
	log *slog.Logger
}

func (a *app) init(stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logging.New(cfg.LogLevel, cfg.LogFormat, stderr)
	slog.SetDefault(a.log)
	return nil
}

func (a *app) openProgress(ctx context.Context) (*state.Progress, error) {
	var store state.Store
	var err error
	switch a.cfg.StateBackend {
	case "postgres":
		store, err = state.OpenPostgres(ctx, a.cfg.DatabaseURL)
	default:
		store, err = state.OpenSQLite(ctx, a.cfg.StatePath)
	}
	if err != nil {
		return nil, err
	}
	progress, err := state.Open(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	a.log.Debug("progress loaded", "backend", a.cfg.StateBackend, "entries", progress.Len())
	return progress, nil
}

func (a *app) policy() retry.Policy {
	backoff := retry.Constant(a.cfg.RetryDelay)
	if a.cfg.Backoff == "exponential" {
		backoff = retry.Exponential(a.cfg.RetryDelay, a.cfg.MaxRetryDelay, 2)
	}
	return retry.Policy{MaxAttempts: a.cfg.MaxAttempts, Backoff: backoff, Clock: retry.RealClock{}, Log: a.log}
}

func (a *app) fetcher() (fetch.Fetcher, error) {
	httpFetcher, err := fetch.NewHTTPFetcher(fetch.HTTPOptions{
		Timeout:       a.cfg.FetchTimeout,
		UserAgent:     a.cfg.UserAgent,
		ProxyURL:      a.cfg.ProxyURL,
		RateLimit:     a.cfg.RateLimit,
		RespectRobots: a.cfg.RespectRobots,
	}, a.log)
	if err != nil {
		return nil, err
	}

	var proxy fetch.ProxyFunc
	if a.cfg.Oxylabs.Enabled() {
		ox := fetch.Oxylabs{
			Username: a.cfg.Oxylabs.Username,
			Password: a.cfg.Oxylabs.Password,
			Endpoint: a.cfg.Oxylabs.Endpoint,
			Port:     a.cfg.Oxylabs.Port,
		}
		proxy = ox.ProxyURL
	} else {
		a.log.Warn("OXYLABS_USERNAME/OXYLABS_PASSWORD not set, videos download without a proxy")
	}

	return fetch.Router{
		models.Document: httpFetcher,
		models.Image:    httpFetcher,
		models.Video:    fetch.NewVideoFetcher(a.cfg.VideoTimeout, proxy, nil, a.log),
	}, nil
}

// pipeline wires the catalog sinks and returns a cleanup func for them.
func (a *app) pipeline(ctx context.Context, cfg pipeline.Config, progress *state.Progress, f fetch.Fetcher) (*pipeline.Pipeline, func(), error) {
	opts := []pipeline.Option{
		pipeline.WithLogger(a.log),
		pipeline.WithSinks(storage.NewCSVSink(a.cfg.StorageRoot)),
	}
	cleanup := func() {}

	if a.cfg.CatalogDatabaseURL != "" {
		db, err := state.ConnectPostgres(ctx, a.cfg.CatalogDatabaseURL, 10, 2*time.Second)
		if err != nil {
			return nil, nil, err
		}
		sink, err := storage.NewPostgresSink(ctx, db, a.log)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		opts = append(opts, pipeline.WithSinks(sink), pipeline.WithLiveSink(sink))
		cleanup = func() { db.Close() }
	}

	cfg.Categories = a.cfg.CategorySet()
	if cfg.Workers == 0 {
		cfg.Workers = a.cfg.Workers
	}
	layout := storage.Layout{Root: a.cfg.StorageRoot}
	return pipeline.New(cfg, layout, f, progress, a.policy(), opts...), cleanup, nil
}
