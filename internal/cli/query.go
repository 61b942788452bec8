package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"codescope/internal/analysis"
	"codescope/internal/lsp"
	"codescope/internal/scan"
)

// withClient resolves the language, starts a client, runs fn, and shuts the
// server down again.
func (a *app) withClient(ctx context.Context, fn func(context.Context, *lsp.Client) error) error {
	language, err := a.language()
	if err != nil {
		return err
	}

	client, err := a.startClient(ctx, language)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Shutdown(shutdownCtx); err != nil {
			a.logger.Debug("shutdown failed", "error", err)
		}
	}()

	return fn(ctx, client)
}

func newSymbolsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "symbols <file> [file...]",
		Short: "List the symbols the language server sees in each file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd.Context(), func(ctx context.Context, client *lsp.Client) error {
				if len(args) == 1 {
					path := a.resolvePath(args[0])
					syms, err := client.DocumentSymbols(ctx, path)
					if err != nil {
						return err
					}
					a.reporter.Symbols(path, syms)
					return nil
				}

				// Multiple files run as one batch under the concurrency cap.
				items := make([]lsp.BatchItem, len(args))
				for i, arg := range args {
					items[i] = lsp.BatchItem{Path: a.resolvePath(arg), Kind: lsp.QueryDocumentSymbols}
				}
				results, err := client.Batch(ctx, items)
				if err != nil {
					return err
				}
				for _, res := range results {
					if res.Err != nil {
						a.reporter.Errorf("%s: %v", res.Item.Path, res.Err)
						continue
					}
					a.reporter.Symbols(res.Item.Path, res.Symbols)
				}
				return nil
			})
		},
	}
}

func newRefsCmd(a *app) *cobra.Command {
	var (
		file        string
		includeDecl bool
	)

	cmd := &cobra.Command{
		Use:   "refs <symbol>",
		Short: "Find all references to a symbol",
		Long: `Finds every reference to the named symbol via the language server.
Method names may be container-qualified, e.g. "Tracker.Sync". Without
--file, the workspace is searched for the file defining the symbol.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			path := file
			if path == "" {
				found, err := a.findDefiningFile(name)
				if err != nil {
					return err
				}
				path = found
			} else {
				path = a.resolvePath(path)
			}

			return a.withClient(cmd.Context(), func(ctx context.Context, client *lsp.Client) error {
				locs, err := client.SymbolReferences(ctx, path, name, includeDecl)
				if err != nil {
					return err
				}
				a.reporter.Locations(locs, a.enclosingLabeler())
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file defining the symbol")
	cmd.Flags().BoolVar(&includeDecl, "include-decl", false, "include the declaration itself")
	return cmd
}

// enclosingLabeler returns a label function that names the function
// containing a reference, analyzing each touched file once.
func (a *app) enclosingLabeler() func(path string, line int) string {
	cache := map[string]*analysis.FileAnalysis{}
	return func(path string, line int) string {
		fa, ok := cache[path]
		if !ok {
			content, err := os.ReadFile(path)
			if err == nil {
				fa, _ = analysis.Analyze(path, content)
			}
			cache[path] = fa
		}
		if fa == nil {
			return ""
		}
		if f := fa.EnclosingFunction(line); f != nil {
			return f.QualifiedName()
		}
		return ""
	}
}

// findDefiningFile locates the file declaring the named function or class by
// structural search.
func (a *app) findDefiningFile(name string) (string, error) {
	var found string
	err := a.analyzeTargets(nil, func(fa *analysis.FileAnalysis) {
		if found != "" {
			return
		}
		for _, f := range fa.Functions {
			if f.Name == name || f.QualifiedName() == name {
				found = fa.Path
				return
			}
		}
		for _, c := range fa.Classes {
			if c.Name == name {
				found = fa.Path
				return
			}
		}
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("symbol %q not found in workspace; try --file", name)
	}
	return found, nil
}

func newDefCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "def <file:line:col>",
		Short: "Jump to the definition of the symbol at a position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, pos, err := parsePosition(args[0])
			if err != nil {
				return err
			}
			path = a.resolvePath(path)

			return a.withClient(cmd.Context(), func(ctx context.Context, client *lsp.Client) error {
				locs, err := client.Definition(ctx, path, pos)
				if err != nil {
					return err
				}
				a.reporter.Locations(locs, nil)
				return nil
			})
		},
	}
}

// parsePosition splits "file:line:col" with one-based line and column.
func parsePosition(arg string) (string, lsp.Position, error) {
	parts := strings.Split(arg, ":")
	if len(parts) < 3 {
		return "", lsp.Position{}, fmt.Errorf("expected file:line:col, got %q", arg)
	}

	line, lineErr := strconv.Atoi(parts[len(parts)-2])
	col, colErr := strconv.Atoi(parts[len(parts)-1])
	if lineErr != nil || colErr != nil || line < 1 || col < 1 {
		return "", lsp.Position{}, fmt.Errorf("expected file:line:col, got %q", arg)
	}

	path := strings.Join(parts[:len(parts)-2], ":")
	return path, lsp.Position{Line: line - 1, Character: col - 1}, nil
}

func newDiagCmd(a *app) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "diag [file...]",
		Short: "Show language server diagnostics",
		Long: `Opens the given files (or every file of the working language) on the
language server and reports the diagnostics it publishes. Diagnostics are
pushed asynchronously; --wait bounds how long to collect them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var paths []string
			if len(args) > 0 {
				for _, arg := range args {
					paths = append(paths, a.resolvePath(arg))
				}
			} else {
				result, err := scan.Scan(a.root, a.scanOptions(), a.logger)
				if err != nil {
					return err
				}
				paths = result.Paths()
			}

			return a.withClient(cmd.Context(), func(ctx context.Context, client *lsp.Client) error {
				items := make([]lsp.BatchItem, len(paths))
				for i, path := range paths {
					items[i] = lsp.BatchItem{Path: path, Kind: lsp.QueryDocumentSymbols}
				}
				// The queries themselves are discarded; opening the documents
				// is what makes the server publish diagnostics.
				if _, err := client.Batch(ctx, items); err != nil {
					return err
				}

				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return ctx.Err()
				}

				all := client.AllDiagnostics()
				keys := make([]string, 0, len(all))
				for path := range all {
					keys = append(keys, path)
				}
				sort.Strings(keys)

				total := 0
				for _, path := range keys {
					total += len(all[path])
					a.reporter.Diagnostics(path, all[path])
				}
				if total == 0 {
					a.reporter.Title("no diagnostics")
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "how long to wait for published diagnostics")
	return cmd
}
