package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-ingest/pkg/models"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Boiler Manual: Model <X>", "Boiler_Manual_Model_X"},
		{`a/b\c|d?e*f"g`, "abcdefg"},
		{"  ..hidden  ", "hidden"},
		{strings.Repeat("é", 150), strings.Repeat("é", MaxNameLength)},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestName(t *testing.T) {
	doc := models.ResourceRecord{ID: "https://example.com/files/Combi%20Boiler.pdf", Kind: models.Document}
	name := Name(doc)
	assert.True(t, strings.HasPrefix(name, "Combi_Boiler_"), name)
	assert.Len(t, name, len("Combi_Boiler_")+8)
	assert.Equal(t, name, Name(doc), "names are stable")

	other := doc
	other.ID += "?v=2"
	assert.NotEqual(t, name, Name(other))

	titled := models.ResourceRecord{ID: "https://example.com/x.pdf", Title: "Fault Codes"}
	assert.True(t, strings.HasPrefix(Name(titled), "Fault_Codes_"))

	video := models.ResourceRecord{ID: "https://www.youtube.com/watch?v=abc123", Kind: models.Video, Title: "Fix it"}
	assert.True(t, strings.HasPrefix(Name(video), "[abc123]_Fix_it_"), Name(video))

	bare := models.ResourceRecord{ID: "https://youtu.be/xyz", Kind: models.Video}
	assert.True(t, strings.HasPrefix(Name(bare), "[xyz]_"), Name(bare))
}

func TestLayout(t *testing.T) {
	l := Layout{Root: "/data"}
	rec := models.ResourceRecord{ID: "https://e.com/a.pdf", Category: models.Technical}
	assert.Equal(t, filepath.Join("/data", "technical"), l.Dir(models.Technical))
	assert.Equal(t, l.Stem(rec)+".pdf", l.PayloadPath(rec, "pdf"))
	assert.Equal(t, filepath.Join("/data", "technical"), filepath.Dir(l.Stem(rec)))
}

func sampleEntries() []models.ProgressEntry {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []models.ProgressEntry{
		{ID: "A", Category: models.Technical, Source: "Combi Boiler", Status: models.Succeeded, Attempts: 1, LastAttempt: ts, Path: "technical/a.pdf", Size: 2048, Title: "Manual, v2", RunID: "run-1"},
		{ID: "B", Category: models.Failure, Source: "Combi Boiler", Status: models.FailedPermanent, Attempts: 1, LastAttempt: ts, LastError: "HTTP 404", RunID: "run-2"},
		{ID: "C", Category: models.Images, Status: models.FailedRetryable, Attempts: 2, LastAttempt: ts, LastError: "yt-dlp:\nERROR: timed out", RunID: "run-2"},
	}
}

func TestCSVSinkRoundTrip(t *testing.T) {
	root := t.TempDir()
	sink := NewCSVSink(root)

	rows, err := Export(sampleEntries(), sink)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "run-1", rows[0].RunID)
	assert.Equal(t, "run-2", rows[1].RunID)
	assert.Equal(t, "Combi Boiler", rows[1].Source)
	assert.Equal(t, "HTTP 404", rows[1].Error)

	got, err := ReadCSV(sink.CSVPath)
	require.NoError(t, err)
	assert.Equal(t, rows, got)

	raw, err := os.ReadFile(sink.CSVPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "id,category,source,status,path,title,size_bytes,attempts,timestamp,run_id,error\n"))

	assert.FileExists(t, sink.JSONPath)
	leftovers, _ := filepath.Glob(filepath.Join(root, "*.tmp"))
	assert.Empty(t, leftovers)
}

func TestCSVSinkEmpty(t *testing.T) {
	sink := NewCSVSink(t.TempDir())
	require.NoError(t, sink.Save(nil))

	data, err := os.ReadFile(sink.JSONPath)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))
}

func TestWriteFailureList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failed.txt")
	n, err := WriteFailureList(path, sampleEntries())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# Category: failure\nB\t# HTTP 404\n# Category: images\nC\t# yt-dlp: ERROR: timed out\n", string(data))
}

func TestWriteFailureReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failed.json")
	require.NoError(t, WriteFailureReport(path, sampleEntries()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got []FailureRecord
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 2)
	assert.Equal(t, FailureRecord{
		ID: "B", Source: "Combi Boiler", Category: models.Failure,
		Status: "failed_permanent", Attempts: 1, Reason: "HTTP 404",
	}, got[0])
	assert.Equal(t, "C", got[1].ID)
}

func TestWriteFailureReportEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failed.json")
	require.NoError(t, WriteFailureReport(path, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]int
	fail    bool
}

func TestBatchWorker(t *testing.T) {
	rs := &recordingSink{}
	in := make(chan int)
	w := StartBatchWorker(in, 2, time.Hour, func(b []int) error {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		rs.batches = append(rs.batches, append([]int(nil), b...))
		if rs.fail {
			return errors.New("boom")
		}
		return nil
	}, nil)

	for i := 1; i <= 5; i++ {
		in <- i
	}
	close(in)
	<-w.Done()

	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, rs.batches)
	assert.Zero(t, w.Failed())
}

func TestPostgresSink(t *testing.T) {
	url := os.Getenv("TEST_DB_URL")
	if url == "" {
		t.Skip("TEST_DB_URL not set")
	}
	db, err := sql.Open("pgx", url)
	require.NoError(t, err)
	defer db.Close()

	sink, err := NewPostgresSink(context.Background(), db, nil)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM catalog WHERE id IN ('A', 'B', 'C')`)
	require.NoError(t, err)

	_, err = Export(sampleEntries(), sink)
	require.NoError(t, err)
	_, err = Export(sampleEntries(), sink)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM catalog WHERE id IN ('A', 'B', 'C') AND run_id = 'run-2'`).Scan(&n))
	assert.Equal(t, 2, n)

	var source, reason string
	require.NoError(t, db.QueryRow(`SELECT source, last_error FROM catalog WHERE id = 'B'`).Scan(&source, &reason))
	assert.Equal(t, "Combi Boiler", source)
	assert.Equal(t, "HTTP 404", reason)
}
