package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"codescope/internal/analysis"
	"codescope/internal/scan"
)

func newFilesCmd(a *app) *cobra.Command {
	var maxFiles int

	cmd := &cobra.Command{
		Use:   "files",
		Short: "List the source files of the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := a.scanOptions()
			opts.MaxFiles = maxFiles
			result, err := scan.Scan(a.root, opts, a.logger)
			if err != nil {
				return err
			}
			a.reporter.Files(result)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxFiles, "max", 0, "stop after this many files (0 = unlimited)")
	return cmd
}

// analyzeTargets runs structural analysis over the given paths, or over the
// whole workspace when none are given. Files whose language has no grammar
// are skipped silently on a workspace walk but reported for explicit paths.
func (a *app) analyzeTargets(args []string, fn func(*analysis.FileAnalysis)) error {
	explicit := len(args) > 0

	var paths []string
	if explicit {
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

	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			if explicit {
				return err
			}
			a.logger.Debug("skipping unreadable file", "path", path, "error", err)
			continue
		}
		fa, err := analysis.Analyze(path, content)
		if err != nil {
			if explicit {
				return err
			}
			if !errors.Is(err, analysis.ErrUnsupportedLanguage) {
				a.logger.Debug("skipping unparsable file", "path", path, "error", err)
			}
			continue
		}
		fn(fa)
	}
	return nil
}

func newFuncsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "funcs [file...]",
		Short: "List functions and methods with their line spans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.analyzeTargets(args, func(fa *analysis.FileAnalysis) {
				a.reporter.Functions(fa.Path, fa.Functions)
			})
		},
	}
}

func newUnusedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unused [file...]",
		Short: "Report imports that are never referenced",
		RunE: func(cmd *cobra.Command, args []string) error {
			total := 0
			err := a.analyzeTargets(args, func(fa *analysis.FileAnalysis) {
				unused := fa.UnusedImports()
				total += len(unused)
				a.reporter.UnusedImports(fa.Path, unused)
			})
			if err != nil {
				return err
			}
			if total == 0 {
				a.reporter.Title("no unused imports")
			}
			return nil
		},
	}
}

func newSnippetCmd(a *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "snippet <name>",
		Short: "Print the source of a function or class by name",
		Long: `Prints the source text of the named function, method, or class.
Method names may be qualified with their container, e.g. "Server.Start".
Without --file, the whole workspace is searched and the first match wins.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			var targets []string
			if file != "" {
				targets = []string{file}
			}

			found := false
			err := a.analyzeTargets(targets, func(fa *analysis.FileAnalysis) {
				if found {
					return
				}
				if snippet, ok := fa.Snippet(name); ok {
					found = true
					a.reporter.Title(fmt.Sprintf("%s (%s)", name, fa.Path))
					fmt.Fprintln(cmd.OutOrStdout(), snippet)
				}
			})
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no function or class named %q", name)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "search only this file")
	return cmd
}
