package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

const (
	// chunkLines is the window size source files are split into.
	chunkLines = 40
	// maxFileBytes caps how large a file the walker will read.
	maxFileBytes = 1 << 20
)

// skipDirs are directory names the walker never descends into.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".idea":        true,
	".vscode":      true,
}

// sourceExtensions are the file types the walker indexes.
var sourceExtensions = map[string]bool{
	".go":    true,
	".py":    true,
	".js":    true,
	".ts":    true,
	".tsx":   true,
	".java":  true,
	".rs":    true,
	".c":     true,
	".h":     true,
	".cpp":   true,
	".rb":    true,
	".sh":    true,
	".sql":   true,
	".proto": true,
	".yaml":  true,
	".yml":   true,
	".toml":  true,
	".json":  true,
	".md":    true,
}

// FSRetriever retrieves fragments by walking a directory tree, splitting
// source files into fixed-size line windows, and scoring each window by
// query term frequency. It is the zero-infrastructure default; swap in a
// vector-index Retriever for large codebases.
type FSRetriever struct {
	root string
}

// NewFSRetriever creates a retriever over the given directory.
func NewFSRetriever(root string) (*FSRetriever, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("retrieval root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("retrieval root %s is not a directory", root)
	}
	return &FSRetriever{root: root}, nil
}

// Retrieve implements Retriever.
func (r *FSRetriever) Retrieve(ctx context.Context, query string, k int) ([]Fragment, error) {
	if k <= 0 {
		return nil, nil
	}

	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	type scored struct {
		fragment Fragment
		score    float64
	}
	var candidates []scored

	err := filepath.WalkDir(r.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || strings.HasPrefix(d.Name(), "_") {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxFileBytes {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}

		rel, err := filepath.Rel(r.root, path)
		if err != nil {
			rel = path
		}

		lines := strings.Split(string(data), "\n")
		for start := 0; start < len(lines); start += chunkLines {
			end := start + chunkLines
			if end > len(lines) {
				end = len(lines)
			}
			content := strings.Join(lines[start:end], "\n")
			score := scoreChunk(content, rel, terms)
			if score <= 0 {
				continue
			}
			candidates = append(candidates, scored{
				fragment: Fragment{
					Filepath:  rel,
					Content:   content,
					Type:      "chunk",
					StartLine: start + 1,
					EndLine:   end,
				},
				score: score,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", r.root, err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	fragments := make([]Fragment, len(candidates))
	for i, c := range candidates {
		fragments[i] = c.fragment
	}
	return fragments, nil
}

// queryTerms lowercases and splits the query, dropping terms too short
// to discriminate.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}

// scoreChunk counts query term occurrences, weighting path matches
// higher than body matches.
func scoreChunk(content, path string, terms []string) float64 {
	body := strings.ToLower(content)
	pathLower := strings.ToLower(path)

	var score float64
	for _, term := range terms {
		score += float64(strings.Count(body, term))
		if strings.Contains(pathLower, term) {
			score += 5
		}
	}
	return score
}
