package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go-ingest/pkg/models"
)

// Sink persists catalog rows.
type Sink interface {
	Save(batch []models.CatalogEntry) error
}

var catalogHeader = []string{"id", "category", "source", "status", "path", "title", "size_bytes", "attempts", "timestamp", "run_id", "error"}

// CSVSink writes the whole catalog as CSV and JSON. Each Save replaces both
// files, so it must be given every row.
type CSVSink struct {
	CSVPath  string
	JSONPath string
}

// NewCSVSink writes catalog.csv and catalog.json under root.
func NewCSVSink(root string) *CSVSink {
	return &CSVSink{
		CSVPath:  filepath.Join(root, "catalog.csv"),
		JSONPath: filepath.Join(root, "catalog.json"),
	}
}

func (s *CSVSink) Save(batch []models.CatalogEntry) error {
	if err := writeAtomic(s.CSVPath, func(f *os.File) error { return writeCSV(f, batch) }); err != nil {
		return fmt.Errorf("write csv catalog: %w", err)
	}
	if s.JSONPath == "" {
		return nil
	}
	if err := writeAtomic(s.JSONPath, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		if batch == nil {
			batch = []models.CatalogEntry{}
		}
		return enc.Encode(batch)
	}); err != nil {
		return fmt.Errorf("write json catalog: %w", err)
	}
	return nil
}

func writeCSV(f *os.File, batch []models.CatalogEntry) error {
	w := csv.NewWriter(f)
	if err := w.Write(catalogHeader); err != nil {
		return err
	}
	for _, e := range batch {
		ts := ""
		if !e.Timestamp.IsZero() {
			ts = e.Timestamp.UTC().Format(time.RFC3339)
		}
		row := []string{
			e.ID,
			string(e.Category),
			e.Source,
			e.Status,
			e.Path,
			e.Title,
			strconv.FormatInt(e.Size, 10),
			strconv.Itoa(e.Attempts),
			ts,
			e.RunID,
			e.Error,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// ReadCSV loads a catalog written by CSVSink.
func ReadCSV(path string) ([]models.CatalogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	entries := make([]models.CatalogEntry, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) != len(catalogHeader) {
			return nil, fmt.Errorf("%s line %d: expected %d fields, got %d", path, i+2, len(catalogHeader), len(row))
		}
		size, _ := strconv.ParseInt(row[6], 10, 64)
		attempts, _ := strconv.Atoi(row[7])
		var ts time.Time
		if row[8] != "" {
			ts, _ = time.Parse(time.RFC3339, row[8])
		}
		entries = append(entries, models.CatalogEntry{
			ID:        row[0],
			Category:  models.Category(row[1]),
			Source:    row[2],
			Status:    row[3],
			Path:      row[4],
			Title:     row[5],
			Size:      size,
			Attempts:  attempts,
			Timestamp: ts,
			RunID:     row[9],
			Error:     row[10],
		})
	}
	return entries, nil
}

// writeAtomic writes through a temp file in the same directory and renames
// it over path.
func writeAtomic(path string, write func(*os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Export converts progress entries to catalog rows and hands them to every
// sink. Each row keeps the run ID of the last run that touched it.
func Export(entries []models.ProgressEntry, sinks ...Sink) ([]models.CatalogEntry, error) {
	rows := make([]models.CatalogEntry, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, models.CatalogEntryFrom(e))
	}
	for _, s := range sinks {
		if err := s.Save(rows); err != nil {
			return rows, err
		}
	}
	return rows, nil
}
