// Package scan discovers source files under a workspace root.
//
// Discovery walks the tree, skips well-known generated and dependency
// directories, applies user-supplied doublestar ignore patterns, and can
// report the dominant language of the result set.
package scan

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"codescope/internal/lsp"
)

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":          true,
	".hg":           true,
	".svn":          true,
	".idea":         true,
	".vscode":       true,
	"node_modules":  true,
	"__pycache__":   true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".ruff_cache":   true,
	".tox":          true,
	".venv":         true,
	"venv":          true,
	"vendor":        true,
	"dist":          true,
	"build":         true,
	"target":        true,
}

// sourceExts are the extensions considered source code.
var sourceExts = map[string]bool{
	".go": true, ".py": true, ".pyi": true,
	".js": true, ".jsx": true, ".mjs": true,
	".ts": true, ".tsx": true,
	".c": true, ".h": true, ".cc": true, ".cpp": true, ".hpp": true,
	".rs": true, ".java": true, ".rb": true, ".php": true,
}

// SkippedDir reports whether a directory name is never descended into.
func SkippedDir(name string) bool {
	return skipDirs[name] || strings.HasPrefix(name, ".")
}

// IsSourceFile reports whether the path has a recognized source extension.
func IsSourceFile(path string) bool {
	return sourceExts[strings.ToLower(filepath.Ext(path))]
}

// Options controls a scan.
type Options struct {
	// Ignore holds doublestar patterns matched against the path relative
	// to the root (slash-separated).
	Ignore []string

	// Languages restricts results to the given language ids; empty means
	// all source files.
	Languages []string

	// MaxFiles stops the walk after this many matches; 0 means unlimited.
	MaxFiles int
}

// File is one discovered source file.
type File struct {
	// Path is the absolute path.
	Path string

	// Rel is the slash-separated path relative to the scan root.
	Rel string

	// Language is the LSP language id.
	Language string
}

// Result is the outcome of a scan.
type Result struct {
	Root  string
	Files []File
}

// Scan walks root and returns the matching source files, sorted by relative
// path.
func Scan(root string, opts Options, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}

	for _, pattern := range opts.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid ignore pattern %q", pattern)
		}
	}

	wanted := map[string]bool{}
	for _, lang := range opts.Languages {
		wanted[lang] = true
	}

	result := &Result{Root: absRoot}
	skipped := 0

	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Debug("walk error, skipping", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(absRoot, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path != absRoot && SkippedDir(d.Name()) {
				skipped++
				return filepath.SkipDir
			}
			return nil
		}

		if !IsSourceFile(path) {
			return nil
		}

		for _, pattern := range opts.Ignore {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				skipped++
				return nil
			}
		}

		lang := lsp.DetectLanguageID(path)
		if len(wanted) > 0 && !wanted[lang] {
			return nil
		}

		result.Files = append(result.Files, File{Path: path, Rel: rel, Language: lang})
		if opts.MaxFiles > 0 && len(result.Files) >= opts.MaxFiles {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", absRoot, err)
	}

	sort.Slice(result.Files, func(i, j int) bool {
		return result.Files[i].Rel < result.Files[j].Rel
	})

	logger.Debug("scan complete",
		"root", absRoot, "files", len(result.Files), "skipped", skipped)
	return result, nil
}

// DominantLanguage returns the language id with the most files, breaking
// ties alphabetically. Empty when no files were found.
func (r *Result) DominantLanguage() string {
	counts := map[string]int{}
	for _, f := range r.Files {
		counts[f.Language]++
	}

	best, bestCount := "", 0
	for lang, n := range counts {
		if n > bestCount || (n == bestCount && lang < best) {
			best, bestCount = lang, n
		}
	}
	return best
}

// ByLanguage groups the files by language id.
func (r *Result) ByLanguage() map[string][]File {
	groups := map[string][]File{}
	for _, f := range r.Files {
		groups[f.Language] = append(groups[f.Language], f)
	}
	return groups
}

// Paths returns the absolute paths of all files, in order.
func (r *Result) Paths() []string {
	paths := make([]string, len(r.Files))
	for i, f := range r.Files {
		paths[i] = f.Path
	}
	return paths
}
