package pipeline

import (
	"sync"
	"time"

	"go-ingest/pkg/models"
)

// Summary reports the outcome of one run.
type Summary struct {
	RunID      string
	Input      int
	Duplicates int
	// Attempted counts records this run fetched or rejected; Skipped counts
	// records already settled in an earlier run.
	Attempted int
	Skipped   int
	// Run holds the final status of every record attempted in this run.
	Run map[models.Status]int
	// Totals holds status counts over the whole progress store.
	Totals        map[models.Status]int
	CatalogRows   int
	FailureList   string
	FailureReport string
	FailedIDs     int
	Elapsed       time.Duration
	Interrupted   bool

	mu sync.Mutex
}

func newSummary(runID string, input int) *Summary {
	s := &Summary{RunID: runID, Input: input, Run: make(map[models.Status]int)}
	for _, st := range models.AllStatuses {
		s.Run[st] = 0
	}
	return s
}

// add records one processed record and returns how many have been
// processed so far.
func (s *Summary) add(o outcome, st models.Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o == outcomeSkipped {
		s.Skipped++
	} else {
		s.Attempted++
		s.Run[st]++
	}
	return s.Attempted + s.Skipped
}

type counts struct {
	processed int
	skipped   int
	run       map[models.Status]int
}

func (s *Summary) snapshot() counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := make(map[models.Status]int, len(s.Run))
	for k, v := range s.Run {
		run[k] = v
	}
	return counts{processed: s.Attempted + s.Skipped, skipped: s.Skipped, run: run}
}

// HasPermanentFailures reports whether any record attempted in this run
// ended permanently failed. Entries settled as failed in earlier runs and
// skipped here do not count.
func (s *Summary) HasPermanentFailures() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Run[models.FailedPermanent] > 0
}
