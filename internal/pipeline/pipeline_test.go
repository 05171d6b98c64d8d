package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-ingest/internal/fetch"
	"go-ingest/internal/retry"
	"go-ingest/internal/state"
	"go-ingest/internal/storage"
	"go-ingest/pkg/models"
)

type fakeClock struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	return ctx.Err()
}

// fakeFetcher writes a staged payload for every call and then applies the
// configured behavior for the identifier.
type fakeFetcher struct {
	mu     sync.Mutex
	calls  map[string]int
	behave map[string]func(call int) error
	hook   func(id string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), behave: make(map[string]func(int) error)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, rec models.ResourceRecord, dst string) (fetch.Result, error) {
	f.mu.Lock()
	f.calls[rec.ID]++
	n := f.calls[rec.ID]
	b := f.behave[rec.ID]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(rec.ID)
	}
	if err := ctx.Err(); err != nil {
		return fetch.Result{}, err
	}

	body := []byte("%PDF payload for " + rec.ID)
	partial := fetch.PartialPath(dst, "pdf")
	if err := os.WriteFile(partial, body, 0o644); err != nil {
		return fetch.Result{}, &fetch.IOError{Op: "write", Err: err}
	}
	if b != nil {
		if err := b(n); err != nil {
			return fetch.Result{}, err
		}
	}
	return fetch.Result{Partial: partial, Ext: "pdf", Size: int64(len(body))}, nil
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeFetcher) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type harness struct {
	t        *testing.T
	root     string
	fetcher  *fakeFetcher
	clock    *fakeClock
	progress *state.Progress
	cfg      Config
	opts     []Option
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, root: t.TempDir(), fetcher: newFakeFetcher(), clock: &fakeClock{}}
	h.reopen()
	return h
}

// reopen simulates a process restart by loading the progress store again.
func (h *harness) reopen() {
	h.t.Helper()
	if h.progress != nil {
		require.NoError(h.t, h.progress.Close())
	}
	store, err := state.OpenSQLite(context.Background(), filepath.Join(h.root, "progress.db"))
	require.NoError(h.t, err)
	h.progress, err = state.Open(context.Background(), store)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { h.progress.Close() })
}

func (h *harness) pipeline() *Pipeline {
	policy := retry.Policy{MaxAttempts: 3, Backoff: retry.Constant(5 * time.Second), Clock: h.clock}
	opts := append([]Option{
		WithSinks(storage.NewCSVSink(h.root)),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, h.opts...)
	return New(h.cfg, storage.Layout{Root: h.root}, h.fetcher, h.progress, policy, opts...)
}

func (h *harness) run(ctx context.Context, recs ...models.ResourceRecord) (*Summary, error) {
	return h.pipeline().Run(ctx, recs)
}

func (h *harness) files() []string {
	var out []string
	filepath.WalkDir(h.root, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && (strings.HasSuffix(path, ".pdf") || strings.HasSuffix(path, ".part")) {
			rel, _ := filepath.Rel(h.root, path)
			out = append(out, rel)
		}
		return nil
	})
	sort.Strings(out)
	return out
}

func rec(id string, cat models.Category) models.ResourceRecord {
	return models.ResourceRecord{ID: id, Category: cat, Kind: models.Document}
}

func notFound(int) error {
	return retry.Permanent(&fetch.HTTPError{StatusCode: 404, URL: "B"})
}

func unavailable(int) error {
	return retry.Transient(&fetch.HTTPError{StatusCode: 503, URL: "C"})
}

func TestScenario_SuccessPermanentAndExhausted(t *testing.T) {
	h := newHarness(t)
	h.fetcher.behave["B"] = notFound
	h.fetcher.behave["C"] = unavailable

	sum, err := h.run(context.Background(), rec("A", "x"), rec("B", "x"), rec("C", "y"))
	require.NoError(t, err)

	assert.Equal(t, 1, h.fetcher.count("A"))
	assert.Equal(t, 1, h.fetcher.count("B"))
	assert.Equal(t, 3, h.fetcher.count("C"), "transient failures are tried exactly three times")
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, h.clock.waits)

	a, _ := h.progress.Get("A")
	assert.Equal(t, models.Succeeded, a.Status)
	assert.FileExists(t, filepath.Join(h.root, a.Path))
	assert.True(t, strings.HasPrefix(a.Path, "x/"), a.Path)

	c, _ := h.progress.Get("C")
	assert.Equal(t, models.FailedPermanent, c.Status)
	assert.Equal(t, 3, c.Attempts)
	assert.Contains(t, c.LastError, "503")

	catalog, err := storage.ReadCSV(filepath.Join(h.root, "catalog.csv"))
	require.NoError(t, err)
	assert.Len(t, catalog, 3)

	failed, err := os.ReadFile(sum.FailureList)
	require.NoError(t, err)
	assert.Contains(t, string(failed), "B\t# ")
	assert.Contains(t, string(failed), "C\t# ")
	assert.NotContains(t, string(failed), "\nA")

	assert.Equal(t, 3, sum.Attempted)
	assert.Equal(t, 2, sum.FailedIDs)
	assert.Equal(t, 1, sum.Run[models.Succeeded])
	assert.Equal(t, 2, sum.Run[models.FailedPermanent])
	assert.True(t, sum.HasPermanentFailures())

	// no partial files survive
	assert.Equal(t, []string{a.Path}, h.files())
}

func TestIdempotentSecondRun(t *testing.T) {
	h := newHarness(t)
	recs := []models.ResourceRecord{rec("A", "x"), rec("B", "x"), rec("C", "y")}

	_, err := h.run(context.Background(), recs...)
	require.NoError(t, err)
	require.Equal(t, 3, h.fetcher.total())

	h.reopen()
	before := h.progress.Entries()
	files := h.files()

	sum, err := h.run(context.Background(), recs...)
	require.NoError(t, err)
	h.reopen()

	assert.Equal(t, 3, h.fetcher.total(), "second run must not fetch anything")
	assert.Equal(t, 3, sum.Skipped)
	assert.Zero(t, sum.Attempted)
	assert.Equal(t, before, h.progress.Entries())
	assert.Equal(t, files, h.files())
	assert.False(t, sum.HasPermanentFailures())
}

func TestCatalogKeepsSourceReasonAndRunID(t *testing.T) {
	h := newHarness(t)
	h.fetcher.behave["B"] = notFound
	a := rec("A", "x")
	a.Source = "Combi Boiler"
	b := rec("B", "x")
	b.Source = "Combi Boiler"

	first, err := h.run(context.Background(), a, b)
	require.NoError(t, err)
	h.reopen()
	second, err := h.run(context.Background(), a, b, rec("C", "y"))
	require.NoError(t, err)
	require.NotEqual(t, first.RunID, second.RunID)

	catalog, err := storage.ReadCSV(filepath.Join(h.root, "catalog.csv"))
	require.NoError(t, err)
	require.Len(t, catalog, 3)
	byID := make(map[string]models.CatalogEntry)
	for _, row := range catalog {
		byID[row.ID] = row
	}
	assert.Equal(t, "Combi Boiler", byID["A"].Source)
	assert.Equal(t, first.RunID, byID["A"].RunID, "settled rows keep the run that settled them")
	assert.Equal(t, first.RunID, byID["B"].RunID)
	assert.Contains(t, byID["B"].Error, "404")
	assert.Equal(t, second.RunID, byID["C"].RunID)

	data, err := os.ReadFile(second.FailureReport)
	require.NoError(t, err)
	var report []storage.FailureRecord
	require.NoError(t, json.Unmarshal(data, &report))
	require.Len(t, report, 1)
	assert.Equal(t, "B", report[0].ID)
	assert.Equal(t, "Combi Boiler", report[0].Source)
	assert.Contains(t, report[0].Reason, "404")
}

func TestEarlierPermanentFailuresDoNotFailLaterRuns(t *testing.T) {
	h := newHarness(t)
	h.fetcher.behave["B"] = notFound

	sum, err := h.run(context.Background(), rec("B", "x"))
	require.NoError(t, err)
	require.True(t, sum.HasPermanentFailures())

	sum, err = h.run(context.Background(), rec("D", "x"))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Totals[models.FailedPermanent])
	assert.False(t, sum.HasPermanentFailures())
}

func TestCatalogCompletenessAcrossRuns(t *testing.T) {
	h := newHarness(t)
	h.fetcher.behave["B"] = notFound

	_, err := h.run(context.Background(), rec("A", "x"), rec("B", "x"))
	require.NoError(t, err)

	h.reopen()
	sum, err := h.run(context.Background(), rec("C", "y"), rec("A", "x"))
	require.NoError(t, err)

	assert.Equal(t, 3, sum.CatalogRows)
	catalog, err := storage.ReadCSV(filepath.Join(h.root, "catalog.csv"))
	require.NoError(t, err)

	ids := make([]string, 0, len(catalog))
	for _, row := range catalog {
		ids = append(ids, row.ID)
	}
	assert.Equal(t, []string{"A", "B", "C"}, ids)
}

func TestCrashRecovery(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.fetcher.hook = func(id string) {
		if id == "B" {
			cancel()
		}
	}

	sum, err := h.run(ctx, rec("A", "x"), rec("B", "x"), rec("C", "x"))
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, sum)
	assert.True(t, sum.Interrupted)

	a, ok := h.progress.Get("A")
	require.True(t, ok)
	assert.Equal(t, models.Succeeded, a.Status)
	_, ok = h.progress.Get("B")
	assert.False(t, ok, "an attempt cut short by shutdown is not recorded")

	h.fetcher.hook = nil
	h.reopen()
	sum, err = h.run(context.Background(), rec("A", "x"), rec("B", "x"), rec("C", "x"))
	require.NoError(t, err)

	assert.Equal(t, 1, h.fetcher.count("A"), "succeeded identifiers are not fetched again")
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 3, sum.Totals[models.Succeeded])
}

func TestAttemptsResumeAcrossRuns(t *testing.T) {
	h := newHarness(t)
	h.fetcher.behave["C"] = unavailable

	require.NoError(t, h.progress.Record(context.Background(), models.ProgressEntry{
		ID: "C", Category: "y", Status: models.FailedRetryable, Attempts: 2, LastError: "HTTP 503",
	}))

	_, err := h.run(context.Background(), rec("C", "y"))
	require.NoError(t, err)

	assert.Equal(t, 1, h.fetcher.count("C"))
	c, _ := h.progress.Get("C")
	assert.Equal(t, models.FailedPermanent, c.Status)
	assert.Equal(t, 3, c.Attempts)
	assert.Empty(t, h.clock.waits)
}

func TestLoweredCeilingMarksPermanent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.progress.Record(context.Background(), models.ProgressEntry{
		ID: "C", Category: "y", Status: models.FailedRetryable, Attempts: 5,
	}))

	_, err := h.run(context.Background(), rec("C", "y"))
	require.NoError(t, err)

	assert.Zero(t, h.fetcher.count("C"))
	c, _ := h.progress.Get("C")
	assert.Equal(t, models.FailedPermanent, c.Status)
}

func TestTransientThenSuccess(t *testing.T) {
	h := newHarness(t)
	h.fetcher.behave["A"] = func(call int) error {
		if call < 3 {
			return retry.Transient(errors.New("connection reset"))
		}
		return nil
	}

	_, err := h.run(context.Background(), rec("A", "x"))
	require.NoError(t, err)

	a, _ := h.progress.Get("A")
	assert.Equal(t, models.Succeeded, a.Status)
	assert.Equal(t, 3, a.Attempts)
	assert.Empty(t, a.LastError)
	assert.Equal(t, []string{a.Path}, h.files())
}

func TestPreviouslyPermanentIsSkippedUnlessRetryFailed(t *testing.T) {
	h := newHarness(t)
	h.fetcher.behave["B"] = notFound

	_, err := h.run(context.Background(), rec("B", "x"))
	require.NoError(t, err)
	require.Equal(t, 1, h.fetcher.count("B"))

	_, err = h.run(context.Background(), rec("B", "x"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.fetcher.count("B"))

	delete(h.fetcher.behave, "B")
	h.cfg.RetryFailed = true
	sum, err := h.run(context.Background(), rec("B", "x"))
	require.NoError(t, err)
	assert.Equal(t, 2, h.fetcher.count("B"))
	assert.Equal(t, 1, sum.Run[models.Succeeded])
	assert.False(t, sum.HasPermanentFailures())
}

func TestUnknownCategoryIsRejectedWithoutFetching(t *testing.T) {
	h := newHarness(t)
	h.cfg.Categories = []models.Category{models.Technical}

	sum, err := h.run(context.Background(), rec("A", models.Technical), rec("B", "nonsense"))
	require.NoError(t, err)

	assert.Zero(t, h.fetcher.count("B"))
	b, _ := h.progress.Get("B")
	assert.Equal(t, models.FailedPermanent, b.Status)
	assert.Contains(t, b.LastError, "unknown category")
	assert.Equal(t, 1, sum.Run[models.Succeeded])
}

func TestLocalIOFailureIsPermanentForThatResource(t *testing.T) {
	h := newHarness(t)
	h.fetcher.behave["A"] = func(int) error {
		return &fetch.IOError{Op: "write", Err: errors.New("disk full")}
	}

	sum, err := h.run(context.Background(), rec("A", "x"), rec("B", "x"))
	require.NoError(t, err)

	assert.Equal(t, 1, h.fetcher.count("A"))
	a, _ := h.progress.Get("A")
	assert.Equal(t, models.FailedPermanent, a.Status)
	b, _ := h.progress.Get("B")
	assert.Equal(t, models.Succeeded, b.Status)
	assert.Equal(t, 1, sum.Run[models.FailedPermanent])
}

func TestDuplicateIDsFetchedOnce(t *testing.T) {
	h := newHarness(t)
	sum, err := h.run(context.Background(), rec("A", "x"), rec("A", "y"), rec(" A ", "x"), rec("", "x"))
	require.NoError(t, err)

	assert.Equal(t, 1, h.fetcher.count("A"))
	assert.Equal(t, 3, sum.Duplicates)
	a, _ := h.progress.Get("A")
	assert.Equal(t, models.Category("x"), a.Category)
}

func TestWorkerPool(t *testing.T) {
	h := newHarness(t)
	h.cfg.Workers = 4

	var recs []models.ResourceRecord
	for i := 0; i < 40; i++ {
		recs = append(recs, rec(fmt.Sprintf("https://e.com/doc-%02d.pdf", i), "x"))
	}
	sum, err := h.run(context.Background(), recs...)
	require.NoError(t, err)

	assert.Equal(t, 40, h.fetcher.total())
	for _, r := range recs {
		assert.Equal(t, 1, h.fetcher.count(r.ID), r.ID)
	}
	assert.Equal(t, 40, sum.Totals[models.Succeeded])
	assert.Len(t, h.files(), 40)
}

type memorySink struct {
	mu   sync.Mutex
	rows []models.CatalogEntry
}

func (m *memorySink) Save(batch []models.CatalogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, batch...)
	return nil
}

func TestLiveSinkReceivesFinishedResources(t *testing.T) {
	h := newHarness(t)
	live := &memorySink{}
	h.opts = append(h.opts, WithLiveSink(live))
	h.fetcher.behave["B"] = notFound

	sum, err := h.run(context.Background(), rec("A", "x"), rec("B", "x"))
	require.NoError(t, err)

	require.Len(t, live.rows, 2)
	for _, row := range live.rows {
		assert.Equal(t, sum.RunID, row.RunID)
	}
}

func TestFinalStatusesAreTerminal(t *testing.T) {
	h := newHarness(t)
	h.fetcher.behave["B"] = notFound
	h.fetcher.behave["C"] = unavailable
	h.fetcher.behave["D"] = func(call int) error {
		if call == 1 {
			return retry.Transient(errors.New("timeout"))
		}
		return nil
	}

	_, err := h.run(context.Background(), rec("A", "x"), rec("B", "x"), rec("C", "y"), rec("D", "y"))
	require.NoError(t, err)

	for _, e := range h.progress.Entries() {
		assert.True(t, e.Status.IsTerminal(), "%s ended as %s", e.ID, e.Status)
	}
}

func TestExportWithoutFetching(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(context.Background(), rec("A", "x"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(h.root, "catalog.csv")))

	sum, err := h.pipeline().Export()
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CatalogRows)
	assert.FileExists(t, filepath.Join(h.root, "catalog.csv"))
	assert.Equal(t, 1, h.fetcher.total())
}
