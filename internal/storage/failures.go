package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go-ingest/pkg/models"
)

// FailureRecord is one entry of the JSON failure report.
type FailureRecord struct {
	ID       string          `json:"id"`
	Title    string          `json:"title,omitempty"`
	Source   string          `json:"source,omitempty"`
	Category models.Category `json:"category"`
	Status   string          `json:"status"`
	Attempts int             `json:"attempts"`
	Reason   string          `json:"reason"`
}

// WriteFailureList writes the ID of every failed entry, grouped under
// "# Category:" headers so the file can be fed back as an input list. The
// last error follows each ID after a tab as a "# " comment.
// It returns the number of IDs written.
func WriteFailureList(path string, entries []models.ProgressEntry) (int, error) {
	n := 0
	err := writeAtomic(path, func(f *os.File) error {
		w := bufio.NewWriter(f)
		byCategory := make(map[models.Category][]models.ProgressEntry)
		var order []models.Category
		for _, e := range entries {
			if !e.Status.IsFailure() {
				continue
			}
			if _, seen := byCategory[e.Category]; !seen {
				order = append(order, e.Category)
			}
			byCategory[e.Category] = append(byCategory[e.Category], e)
		}
		for _, c := range order {
			fmt.Fprintf(w, "# Category: %s\n", c)
			for _, e := range byCategory[c] {
				if reason := oneLine(e.LastError); reason != "" {
					fmt.Fprintf(w, "%s\t# %s\n", e.ID, reason)
				} else {
					fmt.Fprintln(w, e.ID)
				}
				n++
			}
		}
		return w.Flush()
	})
	if err != nil {
		return 0, fmt.Errorf("write failure list: %w", err)
	}
	return n, nil
}

// WriteFailureReport writes every failed entry with its reason as a JSON
// array.
func WriteFailureReport(path string, entries []models.ProgressEntry) error {
	report := []FailureRecord{}
	for _, e := range entries {
		if !e.Status.IsFailure() {
			continue
		}
		report = append(report, FailureRecord{
			ID:       e.ID,
			Title:    e.Title,
			Source:   e.Source,
			Category: e.Category,
			Status:   e.Status.String(),
			Attempts: e.Attempts,
			Reason:   e.LastError,
		})
	}
	err := writeAtomic(path, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	})
	if err != nil {
		return fmt.Errorf("write failure report: %w", err)
	}
	return nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
