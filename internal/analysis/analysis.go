// Package analysis inspects source files structurally via tree-sitter.
//
// It extracts functions, classes, and imports without involving a language
// server, which makes it cheap enough to run across a whole tree. The
// results seed batch queries and label reference output; the semantic heavy
// lifting stays with the lsp package.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"codescope/internal/lsp"
)

// ErrUnsupportedLanguage indicates the file's language has no grammar here.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Function is a function or method found in a file. Lines are zero-based to
// match LSP positions.
type Function struct {
	Name      string
	Container string // enclosing class or receiver type, if any
	StartLine int
	EndLine   int
	NameLine  int // line of the identifier itself
	NameCol   int // column of the identifier itself
}

// QualifiedName returns "Container.Name" for methods.
func (f Function) QualifiedName() string {
	if f.Container == "" {
		return f.Name
	}
	return f.Container + "." + f.Name
}

// Class is a class, struct, or interface declaration.
type Class struct {
	Name      string
	Bases     []string // superclasses or extended types
	StartLine int
	EndLine   int
}

// Import is one imported module or package.
type Import struct {
	Path  string   // module path as written
	Alias string   // local alias, if any
	Names []string // named imports (python from-imports, js bindings)
	Line  int
}

// bindings returns the identifiers the import introduces into scope.
func (im Import) bindings() []string {
	if len(im.Names) > 0 {
		return im.Names
	}
	if im.Alias != "" {
		return []string{im.Alias}
	}
	base := im.Path
	if i := strings.LastIndexByte(base, '/'); i >= 0 && i+1 < len(base) {
		base = base[i+1:]
	}
	// gopkg.in style "yaml.v3" and "./utils.js" both bind the stem.
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return []string{base}
}

// FileAnalysis is the structural inventory of one file.
type FileAnalysis struct {
	Path      string
	Language  string
	Functions []Function
	Classes   []Class
	Imports   []Import

	source []byte
	idents map[string]int // identifier usage counts outside import statements
}

// Analyze parses content as the language implied by path's extension.
func Analyze(path string, content []byte) (*FileAnalysis, error) {
	language := lsp.DetectLanguageID(path)
	grammar, extract := grammarFor(language)
	if grammar == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedLanguage)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	defer tree.Close()

	fa := &FileAnalysis{
		Path:     path,
		Language: language,
		source:   content,
		idents:   map[string]int{},
	}
	extract(fa, tree.RootNode())

	sort.Slice(fa.Functions, func(i, j int) bool {
		return fa.Functions[i].StartLine < fa.Functions[j].StartLine
	})
	return fa, nil
}

// grammarFor maps a language id to its grammar and extraction walk.
func grammarFor(language string) (*sitter.Language, func(*FileAnalysis, *sitter.Node)) {
	switch language {
	case "go":
		return golang.GetLanguage(), (*FileAnalysis).extractGo
	case "python":
		return python.GetLanguage(), (*FileAnalysis).extractPython
	case "javascript", "javascriptreact":
		return javascript.GetLanguage(), (*FileAnalysis).extractJS
	case "typescript":
		return typescript.GetLanguage(), (*FileAnalysis).extractJS
	case "typescriptreact":
		return tsx.GetLanguage(), (*FileAnalysis).extractJS
	default:
		return nil, nil
	}
}

// text returns the source text of a node.
func (fa *FileAnalysis) text(node *sitter.Node) string {
	if node == nil {
		return ""
	}
	return string(fa.source[node.StartByte():node.EndByte()])
}

// countIdent records one identifier usage for unused-import detection.
func (fa *FileAnalysis) countIdent(node *sitter.Node) {
	fa.idents[fa.text(node)]++
}

// UnusedImports returns imports whose bindings never appear outside the
// import statement itself. Wildcard and side-effect imports are never
// reported: their effect cannot be seen from this file alone.
func (fa *FileAnalysis) UnusedImports() []Import {
	var unused []Import
	for _, im := range fa.Imports {
		if im.Alias == "_" || im.Alias == "." || im.Path == "" {
			continue
		}
		used := false
		for _, name := range im.bindings() {
			if name == "*" || fa.idents[name] > 0 {
				used = true
				break
			}
		}
		if !used {
			unused = append(unused, im)
		}
	}
	return unused
}

// EnclosingFunction returns the innermost function spanning the zero-based
// line, or nil.
func (fa *FileAnalysis) EnclosingFunction(line int) *Function {
	var found *Function
	for i := range fa.Functions {
		f := &fa.Functions[i]
		if f.StartLine > line || line > f.EndLine {
			continue
		}
		if found == nil || f.EndLine-f.StartLine < found.EndLine-found.StartLine {
			found = f
		}
	}
	return found
}

// Snippet returns the source text of the named function or class. Method
// names may be container-qualified.
func (fa *FileAnalysis) Snippet(name string) (string, bool) {
	for _, f := range fa.Functions {
		if f.Name == name || f.QualifiedName() == name {
			return fa.lines(f.StartLine, f.EndLine), true
		}
	}
	for _, c := range fa.Classes {
		if c.Name == name {
			return fa.lines(c.StartLine, c.EndLine), true
		}
	}
	return "", false
}

// lines returns the inclusive zero-based line range of the source.
func (fa *FileAnalysis) lines(start, end int) string {
	all := strings.Split(string(fa.source), "\n")
	if start < 0 {
		start = 0
	}
	if end >= len(all) {
		end = len(all) - 1
	}
	return strings.Join(all[start:end+1], "\n")
}
