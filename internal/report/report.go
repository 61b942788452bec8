// Package report renders query results for the terminal.
//
// A Reporter writes to any io.Writer. Styling is lipgloss-based and can be
// disabled wholesale for plain output, which scripts and tests rely on.
package report

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"codescope/internal/analysis"
	"codescope/internal/lsp"
	"codescope/internal/scan"
	"codescope/internal/watch"
)

var (
	colorAccent  = lipgloss.Color("#7AA2F7")
	colorSuccess = lipgloss.Color("#9ECE6A")
	colorWarning = lipgloss.Color("#E0AF68")
	colorError   = lipgloss.Color("#F7768E")
	colorMuted   = lipgloss.Color("#565F89")
)

var styles = struct {
	Title   lipgloss.Style
	Path    lipgloss.Style
	Symbol  lipgloss.Style
	Kind    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
	Path:    lipgloss.NewStyle().Foreground(colorAccent),
	Symbol:  lipgloss.NewStyle().Bold(true),
	Kind:    lipgloss.NewStyle().Foreground(colorMuted),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	Success: lipgloss.NewStyle().Foreground(colorSuccess),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError),
}

// Reporter renders results to a writer.
type Reporter struct {
	w     io.Writer
	root  string
	plain bool
}

// New creates a Reporter. Paths in output are shown relative to root when
// possible. With plain set, no styling escapes are emitted.
func New(w io.Writer, root string, plain bool) *Reporter {
	return &Reporter{w: w, root: root, plain: plain}
}

func (r *Reporter) render(style lipgloss.Style, text string) string {
	if r.plain {
		return text
	}
	return style.Render(text)
}

func (r *Reporter) rel(path string) string {
	if r.root == "" {
		return path
	}
	rel, err := filepath.Rel(r.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// Title writes a section heading.
func (r *Reporter) Title(text string) {
	fmt.Fprintln(r.w, r.render(styles.Title, text))
}

// Errorf writes a styled error line.
func (r *Reporter) Errorf(format string, args ...any) {
	fmt.Fprintln(r.w, r.render(styles.Error, fmt.Sprintf(format, args...)))
}

// Locations prints reference or definition results grouped by file, sorted
// by path and position. Lines and columns are shown one-based. When label is
// non-nil it is called with the absolute path and zero-based line of each
// location; a non-empty return is appended to the line, which the refs
// command uses to show the enclosing function.
func (r *Reporter) Locations(locs []lsp.Location, label func(path string, line int) string) {
	if len(locs) == 0 {
		fmt.Fprintln(r.w, r.render(styles.Muted, "no results"))
		return
	}

	byFile := map[string][]lsp.Location{}
	absPaths := map[string]string{}
	for _, loc := range locs {
		abs := lsp.URIToFilePath(loc.URI)
		path := r.rel(abs)
		absPaths[path] = abs
		byFile[path] = append(byFile[path], loc)
	}

	paths := make([]string, 0, len(byFile))
	for path := range byFile {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		group := byFile[path]
		sort.Slice(group, func(i, j int) bool {
			a, b := group[i].Range.Start, group[j].Range.Start
			if a.Line != b.Line {
				return a.Line < b.Line
			}
			return a.Character < b.Character
		})

		fmt.Fprintln(r.w, r.render(styles.Path, path))
		for _, loc := range group {
			line := fmt.Sprintf("  %d:%d", loc.Range.Start.Line+1, loc.Range.Start.Character+1)
			if label != nil {
				if context := label(absPaths[path], loc.Range.Start.Line); context != "" {
					line += " " + r.render(styles.Muted, "in "+context)
				}
			}
			fmt.Fprintln(r.w, line)
		}
	}

	noun := "locations"
	if len(locs) == 1 {
		noun = "location"
	}
	fmt.Fprintln(r.w, r.render(styles.Muted, fmt.Sprintf("%d %s in %d files", len(locs), noun, len(byFile))))
}

// Symbols prints a document symbol listing.
func (r *Reporter) Symbols(path string, syms []lsp.SymbolInfo) {
	fmt.Fprintln(r.w, r.render(styles.Path, r.rel(path)))
	if len(syms) == 0 {
		fmt.Fprintln(r.w, r.render(styles.Muted, "  no symbols"))
		return
	}
	for _, sym := range syms {
		fmt.Fprintf(r.w, "  %s %s %s\n",
			r.render(styles.Kind, fmt.Sprintf("%-10s", sym.Kind)),
			r.render(styles.Symbol, sym.QualifiedName()),
			r.render(styles.Muted, fmt.Sprintf(":%d", sym.Selection.Start.Line+1)))
	}
}

// Functions prints the structural function inventory of one file.
func (r *Reporter) Functions(path string, fns []analysis.Function) {
	fmt.Fprintln(r.w, r.render(styles.Path, r.rel(path)))
	if len(fns) == 0 {
		fmt.Fprintln(r.w, r.render(styles.Muted, "  no functions"))
		return
	}
	for _, f := range fns {
		span := fmt.Sprintf(":%d-%d", f.StartLine+1, f.EndLine+1)
		fmt.Fprintf(r.w, "  %s %s\n",
			r.render(styles.Symbol, f.QualifiedName()),
			r.render(styles.Muted, span))
	}
}

// UnusedImports prints the unused imports of one file, if any.
func (r *Reporter) UnusedImports(path string, imports []analysis.Import) {
	if len(imports) == 0 {
		return
	}
	fmt.Fprintln(r.w, r.render(styles.Path, r.rel(path)))
	for _, im := range imports {
		label := im.Path
		if im.Alias != "" {
			label += " as " + im.Alias
		}
		fmt.Fprintf(r.w, "  %s %s %s\n",
			r.render(styles.Warning, "unused"),
			label,
			r.render(styles.Muted, fmt.Sprintf(":%d", im.Line+1)))
	}
}

// Diagnostics prints server diagnostics for one file.
func (r *Reporter) Diagnostics(path string, diags []lsp.Diagnostic) {
	if len(diags) == 0 {
		return
	}
	fmt.Fprintln(r.w, r.render(styles.Path, r.rel(path)))
	for _, d := range diags {
		severity := styles.Muted
		label := "info"
		switch d.Severity {
		case lsp.SeverityError:
			severity, label = styles.Error, "error"
		case lsp.SeverityWarning:
			severity, label = styles.Warning, "warning"
		case lsp.SeverityHint:
			label = "hint"
		}
		fmt.Fprintf(r.w, "  %d:%d %s %s\n",
			d.Range.Start.Line+1, d.Range.Start.Character+1,
			r.render(severity, label), d.Message)
	}
}

// Files prints a scan result with a per-language summary.
func (r *Reporter) Files(result *scan.Result) {
	for _, f := range result.Files {
		fmt.Fprintf(r.w, "%s %s\n", f.Rel, r.render(styles.Kind, f.Language))
	}

	counts := result.ByLanguage()
	langs := make([]string, 0, len(counts))
	for lang := range counts {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	parts := make([]string, 0, len(langs))
	for _, lang := range langs {
		parts = append(parts, fmt.Sprintf("%s %d", lang, len(counts[lang])))
	}
	summary := fmt.Sprintf("%d files", len(result.Files))
	if len(parts) > 0 {
		summary += "  (" + strings.Join(parts, ", ") + ")"
	}
	fmt.Fprintln(r.w, r.render(styles.Muted, summary))
}

// WatchEvent prints one settled filesystem change.
func (r *Reporter) WatchEvent(event watch.Event) {
	marker := r.render(styles.Success, "~")
	if event.Kind == watch.FileRemoved {
		marker = r.render(styles.Error, "-")
	}
	line := fmt.Sprintf("%s %s", marker, event.Rel)
	if event.Err != nil {
		line += " " + r.render(styles.Error, event.Err.Error())
	}
	fmt.Fprintln(r.w, line)
}

// SupervisorEvent prints a language server lifecycle transition.
func (r *Reporter) SupervisorEvent(event lsp.SupervisorEvent) {
	switch event.Type {
	case lsp.SupervisorEventCrash:
		r.Errorf("server %s crashed: %v", event.LanguageID, event.Error)
	case lsp.SupervisorEventRestarting:
		fmt.Fprintln(r.w, r.render(styles.Warning,
			fmt.Sprintf("server %s restarting (attempt %d)", event.LanguageID, event.Attempt)))
	case lsp.SupervisorEventRecovered:
		fmt.Fprintln(r.w, r.render(styles.Success,
			fmt.Sprintf("server %s recovered", event.LanguageID)))
	case lsp.SupervisorEventTerminated:
		r.Errorf("server %s gave up: %v", event.LanguageID, event.Error)
	}
}
