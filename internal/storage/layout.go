package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"go-ingest/pkg/models"
)

// MaxNameLength bounds the human-readable part of a payload name.
const MaxNameLength = 100

var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// Layout maps resources to paths under Root.
type Layout struct {
	Root string
}

// Dir is the directory holding payloads of category c.
func (l Layout) Dir(c models.Category) string {
	return filepath.Join(l.Root, string(c))
}

// Stem is the payload path without extension.
func (l Layout) Stem(rec models.ResourceRecord) string {
	return filepath.Join(l.Dir(rec.Category), Name(rec))
}

// PayloadPath is where the payload with extension ext ends up.
func (l Layout) PayloadPath(rec models.ResourceRecord, ext string) string {
	return l.Stem(rec) + "." + ext
}

// Name derives a stable file name from the record. The readable part comes
// from the title or the URL; the 8 hex digit suffix comes from the ID, so
// two identifiers never share a name and a re-run reuses the same one.
func Name(rec models.ResourceRecord) string {
	readable := SanitizeFilename(rec.Title)
	if readable == "" {
		readable = SanitizeFilename(urlBase(rec.ID))
	}
	if id := models.VideoID(rec.ID); rec.Kind == models.Video && id != "" {
		prefix := "[" + SanitizeFilename(id) + "]"
		if title := SanitizeFilename(rec.Title); title != "" {
			readable = prefix + "_" + title
		} else {
			readable = prefix
		}
	}
	if readable == "" {
		readable = "resource"
	}
	return readable + "_" + shortHash(rec.ID)
}

// SanitizeFilename removes characters that are unsafe in file names,
// replaces spaces with underscores and truncates to MaxNameLength runes.
func SanitizeFilename(s string) string {
	s = unsafeChars.ReplaceAllString(strings.TrimSpace(s), "")
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.TrimLeft(s, ".")
	if utf8.RuneCountInString(s) > MaxNameLength {
		s = string([]rune(s)[:MaxNameLength])
	}
	return s
}

func urlBase(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return u.Host
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

func shortHash(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:8]
}
