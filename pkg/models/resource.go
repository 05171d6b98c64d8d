package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Kind selects the fetch transport for a resource.
type Kind int

const (
	Document Kind = iota
	Image
	Video
)

func (k Kind) String() string {
	switch k {
	case Document:
		return "document"
	case Image:
		return "image"
	case Video:
		return "video"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the String form; the empty string infers from raw.
func ParseKind(name, raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return InferKind(raw), nil
	case "document", "pdf":
		return Document, nil
	case "image":
		return Image, nil
	case "video":
		return Video, nil
	}
	return Document, fmt.Errorf("unknown kind %q", name)
}

// InferKind guesses the kind from the identifier.
func InferKind(raw string) Kind {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "youtube.com/watch"), strings.Contains(lower, "youtu.be/"):
		return Video
	case hasAnySuffix(stripQuery(lower), ".jpg", ".jpeg", ".png", ".gif", ".webp"):
		return Image
	default:
		return Document
	}
}

// VideoID extracts the YouTube video id from a watch or youtu.be URL.
// It returns "" when raw is neither.
func VideoID(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	switch {
	case host == "youtu.be":
		return strings.Trim(u.Path, "/")
	case strings.HasSuffix(host, "youtube.com"):
		if v := u.Query().Get("v"); v != "" {
			return v
		}
		if rest, ok := strings.CutPrefix(u.Path, "/shorts/"); ok {
			return strings.Trim(rest, "/")
		}
	}
	return ""
}

func stripQuery(s string) string {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		return s[:i]
	}
	return s
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

// ResourceRecord is one candidate item to fetch. It is built once from the
// input list and never modified.
type ResourceRecord struct {
	ID       string
	Category Category
	Kind     Kind
	Title    string
	Source   string
}

// ProgressEntry is the durable state kept per identifier.
type ProgressEntry struct {
	ID          string
	Category    Category
	Kind        Kind
	Title       string
	Source      string
	Status      Status
	Attempts    int
	LastAttempt time.Time
	LastError   string
	Path        string
	Size        int64
	// RunID is the last run that recorded an attempt for this entry.
	RunID string
}

// CatalogEntry is one row of the exported catalog.
type CatalogEntry struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Source    string    `json:"source,omitempty"`
	Status    string    `json:"status"`
	Path      string    `json:"path,omitempty"`
	Title     string    `json:"title,omitempty"`
	Size      int64     `json:"size_bytes"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Error     string    `json:"error,omitempty"`
}

// CatalogEntryFrom converts a progress entry into its catalog row.
func CatalogEntryFrom(e ProgressEntry) CatalogEntry {
	return CatalogEntry{
		ID:        e.ID,
		Category:  e.Category,
		Source:    e.Source,
		Status:    e.Status.String(),
		Path:      e.Path,
		Title:     e.Title,
		Size:      e.Size,
		Attempts:  e.Attempts,
		Timestamp: e.LastAttempt,
		RunID:     e.RunID,
		Error:     e.LastError,
	}
}
