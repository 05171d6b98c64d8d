package collect

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"go-ingest/pkg/models"
)

// ReadList loads the ordered resource list at path. The format follows the
// extension: .csv, .yaml/.yml, or line-delimited text with category headers.
// Text lines longer than MaxLineSize are an error.
func ReadList(path string) ([]models.ResourceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var recs []models.ResourceRecord
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		recs, err = readCSVList(f)
	case ".yaml", ".yml":
		recs, err = readYAMLList(f)
	default:
		recs, err = readTextList(f)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return recs, nil
}

func columnIndex(header []string, names ...string) int {
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		for _, n := range names {
			if h == n {
				return i
			}
		}
	}
	return -1
}

func readCSVList(r io.Reader) ([]models.ResourceRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	idCol := columnIndex(header, "id", "url", "image_url")
	catCol := columnIndex(header, "category")
	if idCol < 0 || catCol < 0 {
		return nil, fmt.Errorf("header needs an id/url/image_url and a category column, got %v", header)
	}
	titleCol := columnIndex(header, "title")
	sourceCol := columnIndex(header, "source", "boiler_type")
	kindCol := columnIndex(header, "kind")

	field := func(row []string, i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var recs []models.ResourceRecord
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		id := field(row, idCol)
		if id == "" {
			continue
		}
		kind, err := models.ParseKind(field(row, kindCol), id)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		recs = append(recs, models.ResourceRecord{
			ID:       id,
			Category: models.ParseCategory(field(row, catCol)),
			Kind:     kind,
			Title:    field(row, titleCol),
			Source:   field(row, sourceCol),
		})
	}
	return recs, nil
}

type yamlList struct {
	Resources []struct {
		ID       string `yaml:"id"`
		Category string `yaml:"category"`
		Kind     string `yaml:"kind"`
		Title    string `yaml:"title"`
		Source   string `yaml:"source"`
	} `yaml:"resources"`
}

func readYAMLList(r io.Reader) ([]models.ResourceRecord, error) {
	var doc yamlList
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	recs := make([]models.ResourceRecord, 0, len(doc.Resources))
	for i, res := range doc.Resources {
		if res.ID == "" {
			return nil, fmt.Errorf("resource %d has no id", i)
		}
		kind, err := models.ParseKind(res.Kind, res.ID)
		if err != nil {
			return nil, fmt.Errorf("resource %d: %w", i, err)
		}
		recs = append(recs, models.ResourceRecord{
			ID:       res.ID,
			Category: models.ParseCategory(res.Category),
			Kind:     kind,
			Title:    res.Title,
			Source:   res.Source,
		})
	}
	return recs, nil
}

// MaxLineSize bounds one line of a text list or keyword file.
const MaxLineSize = 1 << 20

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return sc
}

// headerCategory returns the category named by a "# Category: X" or "# X"
// comment line.
func headerCategory(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "#")
	if !ok {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	if after, ok := strings.CutPrefix(rest, "Category:"); ok {
		rest = strings.TrimSpace(after)
	}
	return rest, rest != ""
}

func readTextList(r io.Reader) ([]models.ResourceRecord, error) {
	var recs []models.ResourceRecord
	var category models.Category

	sc := newLineScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if label, ok := headerCategory(line); ok {
				category = models.ParseCategory(label)
			}
			continue
		}
		// anything after the first field is a trailing comment
		id := strings.Fields(line)[0]
		if !strings.Contains(id, "://") {
			continue
		}
		recs = append(recs, models.ResourceRecord{
			ID:       id,
			Category: category,
			Kind:     models.InferKind(id),
		})
	}
	return recs, sc.Err()
}
