package lsp

import (
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
)

// FilePathToURI converts a filesystem path to a file:// URI.
func FilePathToURI(path string) DocumentURI {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	abs = filepath.ToSlash(abs)

	if runtime.GOOS == "windows" && !strings.HasPrefix(abs, "/") {
		abs = "/" + abs
	}

	u := url.URL{Scheme: "file", Path: abs}
	return DocumentURI(u.String())
}

// URIToFilePath converts a file:// URI back to a filesystem path. Non-file
// URIs are returned unchanged.
func URIToFilePath(uri DocumentURI) string {
	u, err := url.Parse(string(uri))
	if err != nil || u.Scheme != "file" {
		return string(uri)
	}

	path := u.Path
	if runtime.GOOS == "windows" && len(path) > 2 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}
	return filepath.FromSlash(path)
}

func baseName(path string) string {
	return filepath.Base(filepath.Clean(path))
}

// languageIDs maps file extensions to LSP language identifiers.
var languageIDs = map[string]string{
	".go":   "go",
	".py":   "python",
	".pyi":  "python",
	".js":   "javascript",
	".jsx":  "javascriptreact",
	".mjs":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescriptreact",
	".c":    "c",
	".h":    "c",
	".cc":   "cpp",
	".cpp":  "cpp",
	".hpp":  "cpp",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
	".php":  "php",
	".sh":   "shellscript",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".md":   "markdown",
}

// DetectLanguageID returns the LSP language identifier for a file path, or
// "plaintext" when the extension is unknown.
func DetectLanguageID(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if id, ok := languageIDs[ext]; ok {
		return id
	}
	return "plaintext"
}

// DefaultServerCommands maps language identifiers to the stock server command
// lines used when the config names none.
var DefaultServerCommands = map[string][]string{
	"go":              {"gopls"},
	"python":          {"pyright-langserver", "--stdio"},
	"javascript":      {"typescript-language-server", "--stdio"},
	"javascriptreact": {"typescript-language-server", "--stdio"},
	"typescript":      {"typescript-language-server", "--stdio"},
	"typescriptreact": {"typescript-language-server", "--stdio"},
	"c":               {"clangd"},
	"cpp":             {"clangd"},
	"rust":            {"rust-analyzer"},
}

// ServerCommandFor returns the default server command for a language, or
// ErrNoServer when none is known.
func ServerCommandFor(languageID string) ([]string, error) {
	cmd, ok := DefaultServerCommands[languageID]
	if !ok {
		return nil, ErrNoServer
	}
	return cmd, nil
}
