package collect

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// KeywordGroup is the search terms listed under one category header.
type KeywordGroup struct {
	Category string
	Keywords []string
}

// KeywordSet is one keyword file, usually one boiler type.
type KeywordSet struct {
	Source string
	Groups []KeywordGroup
}

// ReadKeywords parses a keyword file. Lines starting with '#' open a new
// category unless they contain "Boiler", which marks the file title.
// Keywords before the first category header are ignored.
func ReadKeywords(path string) (KeywordSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return KeywordSet{}, err
	}
	defer f.Close()

	set := KeywordSet{Source: SourceName(path)}
	current := -1

	sc := newLineScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#"):
			if strings.Contains(line, "Boiler") {
				continue
			}
			label, ok := headerCategory(line)
			if !ok {
				continue
			}
			set.Groups = append(set.Groups, KeywordGroup{Category: label})
			current = len(set.Groups) - 1
		case current >= 0:
			set.Groups[current].Keywords = append(set.Groups[current].Keywords, line)
		}
	}
	if err := sc.Err(); err != nil {
		return KeywordSet{}, fmt.Errorf("read %s: %w", path, err)
	}
	return set, nil
}

// ReadKeywordDir reads every .txt file under dir, or the single file when
// path is not a directory.
func ReadKeywordDir(path string) ([]KeywordSet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		set, err := ReadKeywords(path)
		if err != nil {
			return nil, err
		}
		return []KeywordSet{set}, nil
	}

	files, err := filepath.Glob(filepath.Join(path, "*.txt"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	sets := make([]KeywordSet, 0, len(files))
	for _, file := range files {
		set, err := ReadKeywords(file)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

// SourceName turns "combi_boiler.txt" into "Combi Boiler".
func SourceName(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	words := strings.Fields(strings.ReplaceAll(base, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
