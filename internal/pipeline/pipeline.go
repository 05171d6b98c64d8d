// Package pipeline runs the fetch-persist-catalog workflow over a resource
// list. Progress is written through after every attempt, so a run can be
// killed at any point and restarted with the same input.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-ingest/internal"
	"go-ingest/internal/fetch"
	"go-ingest/internal/retry"
	"go-ingest/internal/state"
	"go-ingest/internal/storage"
	"go-ingest/pkg/models"
)

// ErrUnknownCategory marks records whose category is not configured.
var ErrUnknownCategory = errors.New("unknown category")

// Config holds pipeline settings.
type Config struct {
	Workers int
	// Categories lists the accepted categories; empty accepts any.
	Categories []models.Category
	// ProgressEvery is how many processed records pass between progress
	// log lines.
	ProgressEvery int
	// RetryFailed resets permanently failed entries before the run.
	RetryFailed bool
	// FailureList is where failed identifiers are written at run end.
	FailureList string
	// FailureReport receives the same entries with their reasons as JSON.
	FailureReport string
	// BatchSize and FlushInterval control the live sink.
	BatchSize     int
	FlushInterval time.Duration
}

// Pipeline orchestrates one ingestion run.
type Pipeline struct {
	config   Config
	layout   storage.Layout
	fetcher  fetch.Fetcher
	progress *state.Progress
	policy   retry.Policy
	sinks    []storage.Sink
	live     storage.Sink
	log      *slog.Logger
	now      func() time.Time

	claims *internal.ClaimSet
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithSinks adds catalog sinks that receive the full catalog at run end.
func WithSinks(sinks ...storage.Sink) Option {
	return func(p *Pipeline) { p.sinks = append(p.sinks, sinks...) }
}

// WithLiveSink streams catalog rows as resources finish.
func WithLiveSink(s storage.Sink) Option {
	return func(p *Pipeline) { p.live = s }
}

func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithClock replaces time.Now for attempt timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func New(cfg Config, layout storage.Layout, f fetch.Fetcher, progress *state.Progress, policy retry.Policy, opts ...Option) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ProgressEvery < 1 {
		cfg.ProgressEvery = 10
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.FailureList == "" {
		cfg.FailureList = filepath.Join(layout.Root, "failed.txt")
	}
	if cfg.FailureReport == "" {
		cfg.FailureReport = filepath.Join(layout.Root, "failed.json")
	}
	p := &Pipeline{
		config:   cfg,
		layout:   layout,
		fetcher:  f,
		progress: progress,
		policy:   policy,
		log:      slog.Default(),
		now:      time.Now,
		claims:   internal.NewClaimSet(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes records and exports the catalog. Individual resource
// failures never fail the run; the returned error is ctx.Err() after an
// interruption, or a progress store failure. The summary is non-nil
// whenever the catalog export was reached.
func (p *Pipeline) Run(ctx context.Context, records []models.ResourceRecord) (*Summary, error) {
	start := time.Now()
	sum := newSummary(uuid.NewString(), len(records))

	if p.config.RetryFailed {
		n, err := p.progress.ResetFailed(ctx)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			p.log.Info("reset permanently failed entries", "count", n)
		}
	}

	unique := dedupe(records)
	sum.Duplicates = len(records) - len(unique)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var liveCh chan models.CatalogEntry
	var live *storage.BatchWorker[models.CatalogEntry]
	if p.live != nil {
		liveCh = make(chan models.CatalogEntry, p.config.BatchSize*2)
		live = storage.StartBatchWorker(liveCh, p.config.BatchSize, p.config.FlushInterval, p.live.Save, p.log)
	}

	work := make(chan models.ResourceRecord)
	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range work {
				out, entry, err := p.process(runCtx, sum.RunID, rec)
				if err != nil {
					cancel(err)
					continue
				}
				n := sum.add(out, entry.Status)
				if liveCh != nil && out == outcomeAttempted {
					liveCh <- models.CatalogEntryFrom(entry)
				}
				if n%p.config.ProgressEvery == 0 {
					p.logProgress(sum, len(unique))
				}
			}
		}()
	}

	p.log.Info("run started", "run_id", sum.RunID, "records", len(unique), "workers", p.config.Workers, "duplicates", sum.Duplicates)

dispatch:
	for _, rec := range unique {
		select {
		case <-runCtx.Done():
			break dispatch
		case work <- rec:
		}
	}
	close(work)
	wg.Wait()

	if liveCh != nil {
		close(liveCh)
		<-live.Done()
	}

	p.logProgress(sum, len(unique))

	// An aborted run still exports what the store holds.
	if err := p.export(sum); err != nil {
		return sum, err
	}
	sum.Elapsed = time.Since(start)

	if runErr := context.Cause(runCtx); runErr != nil {
		sum.Interrupted = true
		p.log.Warn("run stopped early", "run_id", sum.RunID, "error", runErr)
		return sum, runErr
	}

	p.log.Info("run finished",
		"run_id", sum.RunID,
		"fetched", sum.Attempted,
		"skipped", sum.Skipped,
		"succeeded", sum.Totals[models.Succeeded],
		"failed_permanent", sum.Totals[models.FailedPermanent],
		"failure_list", sum.FailureList,
		"elapsed", sum.Elapsed.Round(time.Millisecond),
	)
	return sum, nil
}

// Export rewrites the catalog and failure list from the current progress
// without fetching anything.
func (p *Pipeline) Export() (*Summary, error) {
	sum := newSummary(uuid.NewString(), 0)
	if err := p.export(sum); err != nil {
		return nil, err
	}
	return sum, nil
}

func (p *Pipeline) export(sum *Summary) error {
	entries := p.progress.Entries()
	rows, err := storage.Export(entries, p.sinks...)
	if err != nil {
		return fmt.Errorf("export catalog: %w", err)
	}
	failed, err := storage.WriteFailureList(p.config.FailureList, entries)
	if err != nil {
		return err
	}
	if err := storage.WriteFailureReport(p.config.FailureReport, entries); err != nil {
		return err
	}
	sum.CatalogRows = len(rows)
	sum.FailureList = p.config.FailureList
	sum.FailureReport = p.config.FailureReport
	sum.FailedIDs = failed
	sum.Totals = p.progress.Counts()
	return nil
}

func (p *Pipeline) logProgress(sum *Summary, total int) {
	c := sum.snapshot()
	p.log.Info("progress",
		"processed", c.processed,
		"total", total,
		"succeeded", c.run[models.Succeeded],
		"failed", c.run[models.FailedPermanent]+c.run[models.FailedRetryable],
		"pending", total-c.processed,
		"skipped", c.skipped,
		"in_flight", p.claims.Len(),
	)
}

func dedupe(records []models.ResourceRecord) []models.ResourceRecord {
	seen := make(map[string]bool, len(records))
	out := make([]models.ResourceRecord, 0, len(records))
	for _, r := range records {
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeAttempted
)

// process handles one record and returns its final entry. The error is
// non-nil only for failures that must stop the whole run.
func (p *Pipeline) process(ctx context.Context, runID string, rec models.ResourceRecord) (outcome, models.ProgressEntry, error) {
	if !p.claims.Claim(rec.ID) {
		return outcomeSkipped, models.ProgressEntry{}, nil
	}
	defer p.claims.Release(rec.ID)

	entry, known := p.progress.Get(rec.ID)
	if known && entry.Status == models.Succeeded {
		p.log.Debug("already succeeded", "id", rec.ID)
		return outcomeSkipped, entry, nil
	}
	if known && entry.Status == models.FailedPermanent {
		p.log.Debug("previously failed permanently", "id", rec.ID)
		return outcomeSkipped, entry, nil
	}
	if !known {
		entry = models.ProgressEntry{ID: rec.ID, Status: models.Pending}
	}
	entry.Category = rec.Category
	entry.Kind = rec.Kind
	entry.RunID = runID
	if rec.Title != "" {
		entry.Title = rec.Title
	}
	if rec.Source != "" {
		entry.Source = rec.Source
	}

	if len(p.config.Categories) > 0 && !rec.Category.In(p.config.Categories) {
		return p.fail(ctx, entry, retry.Permanent(fmt.Errorf("%w %q", ErrUnknownCategory, rec.Category)))
	}

	dir := p.layout.Dir(rec.Category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return p.fail(ctx, entry, &fetch.IOError{Op: "mkdir", Err: err})
	}
	stem := p.layout.Stem(rec)
	removeStaged(stem, true)

	var stateErr error
	_, err := p.policy.Do(ctx, entry.Attempts, func(ctx context.Context, attempt int) error {
		res, err := p.fetcher.Fetch(ctx, rec, stem)
		if err == nil {
			err = p.finalize(stem, res)
		}
		if err != nil {
			removeStaged(stem, false)
			if ctx.Err() != nil {
				// the attempt was cut short by shutdown, not by the resource
				return ctx.Err()
			}
		}

		entry.Attempts = attempt
		entry.LastAttempt = p.now().UTC()
		if err == nil {
			entry.Status = models.Succeeded
			entry.LastError = ""
			entry.Path = p.relPath(stem + "." + res.Ext)
			entry.Size = res.Size
			if entry.Title == "" {
				entry.Title = res.Title
			}
		} else {
			entry.LastError = err.Error()
			entry.Status = models.FailedRetryable
			if retry.Classify(err) == retry.ClassPermanent || attempt >= p.policy.MaxAttempts {
				entry.Status = models.FailedPermanent
			}
		}

		// Written even when the run is being cancelled.
		if rerr := p.progress.Record(context.WithoutCancel(ctx), entry); rerr != nil {
			stateErr = rerr
			return retry.Permanent(rerr)
		}
		p.logAttempt(entry, err)
		return err
	})

	switch {
	case stateErr != nil:
		return outcomeAttempted, entry, stateErr
	case err != nil && ctx.Err() != nil && entry.Status != models.FailedPermanent:
		return outcomeAttempted, entry, ctx.Err()
	case err != nil && entry.Status == models.FailedRetryable:
		// ceiling reached without a final attempt being recorded, e.g. the
		// configured ceiling was lowered below the attempts already spent
		entry.Status = models.FailedPermanent
		entry.LastError = err.Error()
		if rerr := p.progress.Record(context.WithoutCancel(ctx), entry); rerr != nil {
			return outcomeAttempted, entry, rerr
		}
	}
	return outcomeAttempted, entry, nil
}

// fail records a resource as permanently failed without fetching it.
func (p *Pipeline) fail(ctx context.Context, entry models.ProgressEntry, err error) (outcome, models.ProgressEntry, error) {
	entry.Status = models.FailedPermanent
	entry.LastError = err.Error()
	entry.LastAttempt = p.now().UTC()

	var ioErr *fetch.IOError
	if errors.As(err, &ioErr) {
		p.log.Error("local I/O failure", "id", entry.ID, "category", entry.Category, "error", err)
	} else {
		p.log.Warn("rejected", "id", entry.ID, "category", entry.Category, "error", err)
	}
	if rerr := p.progress.Record(context.WithoutCancel(ctx), entry); rerr != nil {
		return outcomeAttempted, entry, rerr
	}
	return outcomeAttempted, entry, nil
}

func (p *Pipeline) logAttempt(e models.ProgressEntry, err error) {
	attrs := []any{"id", e.ID, "category", e.Category, "attempt", e.Attempts, "status", e.Status}
	switch {
	case err == nil:
		p.log.Info("fetched", append(attrs, "path", e.Path, "bytes", e.Size)...)
	case e.Status == models.FailedPermanent:
		var ioErr *fetch.IOError
		if errors.As(err, &ioErr) {
			p.log.Error("local I/O failure", append(attrs, "error", err)...)
			return
		}
		p.log.Warn("failed permanently", append(attrs, "error", err)...)
	default:
		p.log.Warn("attempt failed", append(attrs, "error", err)...)
	}
}

// finalize moves the staged payload to its final name.
func (p *Pipeline) finalize(stem string, res fetch.Result) error {
	if res.Partial == "" || res.Ext == "" {
		return retry.Permanent(errors.New("fetcher returned no payload"))
	}
	if err := os.Rename(res.Partial, stem+"."+res.Ext); err != nil {
		return &fetch.IOError{Op: "rename", Err: err}
	}
	return nil
}

func (p *Pipeline) relPath(path string) string {
	if rel, err := filepath.Rel(p.layout.Root, path); err == nil {
		return filepath.ToSlash(rel)
	}
	return path
}

// removeStaged deletes files left by a failed attempt. With partialOnly it
// only touches .part and yt-dlp scratch files, which is safe before an
// attempt even if a finished payload from an unrecorded run is present.
func removeStaged(stem string, partialOnly bool) {
	dir, base := filepath.Split(stem)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, base+".") {
			continue
		}
		scratch := strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl")
		if partialOnly && !scratch {
			continue
		}
		os.Remove(filepath.Join(dir, name))
	}
}
