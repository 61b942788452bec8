package scan

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func rels(r *Result) []string {
	out := make([]string, len(r.Files))
	for i, f := range r.Files {
		out[i] = f.Rel
	}
	return out
}

func TestScanFindsSourceFiles(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.go":          "package main",
		"pkg/util.go":      "package pkg",
		"scripts/run.py":   "print()",
		"README.md":        "# readme",
		"assets/logo.png":  "",
		"web/app.ts":       "export {}",
	})

	result, err := Scan(root, Options{}, testLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"main.go", "pkg/util.go", "scripts/run.py", "web/app.ts"}, rels(result))
}

func TestScanSkipsWellKnownDirs(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.go":                     "package main",
		".git/hooks/hook.py":          "",
		"node_modules/lib/index.js":   "",
		"vendor/dep/dep.go":           "",
		"__pycache__/mod.py":          "",
		".venv/lib/site.py":           "",
	})

	result, err := Scan(root, Options{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go"}, rels(result))
}

func TestScanIgnorePatterns(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.go":            "package main",
		"main_test.go":       "package main",
		"gen/schema_gen.go":  "package gen",
		"cmd/tool/main.go":   "package main",
	})

	result, err := Scan(root, Options{
		Ignore: []string{"**/*_test.go", "gen/**"},
	}, testLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"cmd/tool/main.go", "main.go"}, rels(result))
}

func TestScanInvalidIgnorePattern(t *testing.T) {
	_, err := Scan(t.TempDir(), Options{Ignore: []string{"[unclosed"}}, testLogger())
	assert.Error(t, err)
}

func TestScanLanguageFilter(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.go": "package a",
		"b.py": "pass",
		"c.ts": "export {}",
	})

	result, err := Scan(root, Options{Languages: []string{"python"}}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"b.py"}, rels(result))
}

func TestScanMaxFiles(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.go": "", "b.go": "", "c.go": "", "d.go": "",
	})

	result, err := Scan(root, Options{MaxFiles: 2}, testLogger())
	require.NoError(t, err)
	assert.Len(t, result.Files, 2)
}

func TestDominantLanguage(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.py": "", "b.py": "", "c.py": "",
		"x.go": "",
		"y.ts": "",
	})

	result, err := Scan(root, Options{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "python", result.DominantLanguage())

	empty := &Result{}
	assert.Empty(t, empty.DominantLanguage())
}

func TestByLanguage(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.go": "", "b.go": "",
		"x.py": "",
	})

	result, err := Scan(root, Options{}, testLogger())
	require.NoError(t, err)

	groups := result.ByLanguage()
	assert.Len(t, groups["go"], 2)
	assert.Len(t, groups["python"], 1)
}
