package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go-ingest/pkg/models"
)

// Result describes a payload written by a Fetcher.
type Result struct {
	// Partial is the file holding the payload. The caller renames it to
	// <dst>.<Ext> once the fetch has returned without error.
	Partial  string
	Ext      string
	Size     int64
	Title    string
	Sidecars []string
}

// Fetcher retrieves one remote resource. dst is the path stem the payload
// should be named after; implementations write <dst>.<ext>.part and never
// the final name.
type Fetcher interface {
	Fetch(ctx context.Context, rec models.ResourceRecord, dst string) (Result, error)
}

// HTTPError reports a non-2xx response.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d %s for %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// ErrMalformed is returned for payloads that fail content validation.
var ErrMalformed = errors.New("malformed payload")

// IOError wraps a local filesystem failure while writing a payload.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *IOError) Unwrap() error { return e.Err }

// Router dispatches to a Fetcher by resource kind.
type Router map[models.Kind]Fetcher

func (r Router) Fetch(ctx context.Context, rec models.ResourceRecord, dst string) (Result, error) {
	f, ok := r[rec.Kind]
	if !ok || f == nil {
		return Result{}, fmt.Errorf("no fetcher for kind %s", rec.Kind)
	}
	return f.Fetch(ctx, rec, dst)
}

// PartialPath is where a payload with the given extension is staged.
func PartialPath(dst, ext string) string {
	return dst + "." + ext + ".part"
}
