// Package state keeps the durable per-resource progress record. A Progress
// value is loaded once at startup and written through to its Store after
// every change, so a crash loses at most the attempt in flight.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go-ingest/pkg/models"
)

// ErrCorrupt is returned when the stored progress cannot be trusted.
var ErrCorrupt = errors.New("progress state is corrupt")

// Store persists progress entries keyed by identifier.
type Store interface {
	Load(ctx context.Context) (map[string]models.ProgressEntry, error)
	Put(ctx context.Context, e models.ProgressEntry) error
	Close() error
}

// Progress is the in-memory view of a Store. All mutations go through one
// mutex so that concurrent workers never lose updates.
type Progress struct {
	mu      sync.Mutex
	store   Store
	entries map[string]models.ProgressEntry
}

// Open loads every entry from store. Any read failure is fatal for the run.
func Open(ctx context.Context, store Store) (*Progress, error) {
	entries, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	for id, e := range entries {
		if err := validate(id, e); err != nil {
			return nil, err
		}
	}
	return &Progress{store: store, entries: entries}, nil
}

func validate(id string, e models.ProgressEntry) error {
	if id == "" || e.ID != id {
		return fmt.Errorf("%w: entry key %q does not match id %q", ErrCorrupt, id, e.ID)
	}
	if e.Attempts < 0 {
		return fmt.Errorf("%w: %s has negative attempt count %d", ErrCorrupt, id, e.Attempts)
	}
	if e.Status == models.Succeeded && e.Path == "" {
		return fmt.Errorf("%w: %s is succeeded without a payload path", ErrCorrupt, id)
	}
	return nil
}

// Get returns the entry for id.
func (p *Progress) Get(id string) (models.ProgressEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	return e, ok
}

// Record writes e to the store and, once that succeeds, to memory.
func (p *Progress) Record(ctx context.Context, e models.ProgressEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.Put(ctx, e); err != nil {
		return fmt.Errorf("saving progress for %s: %w", e.ID, err)
	}
	p.entries[e.ID] = e
	return nil
}

// Entries returns a snapshot sorted by identifier.
func (p *Progress) Entries() []models.ProgressEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.ProgressEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts tallies entries by status. Every status is present in the result.
func (p *Progress) Counts() map[models.Status]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make(map[models.Status]int, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		counts[s] = 0
	}
	for _, e := range p.entries {
		counts[e.Status]++
	}
	return counts
}

// Len is the number of identifiers ever recorded.
func (p *Progress) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// ResetFailed returns permanently failed entries to pending with a fresh
// attempt budget. It reports how many entries were reset.
func (p *Progress) ResetFailed(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, e := range p.entries {
		if e.Status != models.FailedPermanent {
			continue
		}
		e.Status = models.Pending
		e.Attempts = 0
		e.LastError = ""
		if err := p.store.Put(ctx, e); err != nil {
			return n, fmt.Errorf("resetting %s: %w", id, err)
		}
		p.entries[id] = e
		n++
	}
	return n, nil
}

// Close releases the underlying store.
func (p *Progress) Close() error {
	return p.store.Close()
}
