// Package cli wires the codescope commands together.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"codescope/internal/config"
	"codescope/internal/lsp"
	"codescope/internal/report"
	"codescope/internal/scan"
)

// app carries the state every command needs: resolved root, loaded config,
// logger, and reporter. It is populated by the root command's
// PersistentPreRunE before any subcommand runs.
type app struct {
	root    string
	lang    string
	plain   bool
	verbose bool
	ignore  []string

	cfg      *config.Config
	logger   *slog.Logger
	reporter *report.Reporter

	// stdout is swapped out by tests.
	stdout io.Writer
}

// New builds the codescope command tree.
func New() *cobra.Command {
	return newRoot(&app{})
}

func newRoot(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "codescope",
		Short: "Explore codebases through language servers and syntax trees",
		Long: `codescope answers structural and semantic questions about a codebase.

Structural commands (funcs, unused, snippet, files) parse sources directly
and need no external tooling. Semantic commands (refs, def, symbols, diag,
watch) drive the language server for the workspace's language and require
it to be installed (gopls, pyright-langserver, ...).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.root, "root", "r", ".", "workspace root")
	flags.StringVarP(&a.lang, "lang", "l", "", "language id (default: dominant language of the workspace)")
	flags.BoolVar(&a.plain, "plain", false, "disable styled output")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	flags.StringArrayVar(&a.ignore, "ignore", nil, "extra ignore pattern (repeatable)")

	root.AddCommand(
		newFilesCmd(a),
		newFuncsCmd(a),
		newUnusedCmd(a),
		newSnippetCmd(a),
		newSymbolsCmd(a),
		newRefsCmd(a),
		newDefCmd(a),
		newDiagCmd(a),
		newWatchCmd(a),
		newServersCmd(a),
	)
	return root
}

// Execute runs the CLI and returns a process exit code.
func Execute() int {
	if err := New().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "codescope:", err)
		return 1
	}
	return 0
}

func (a *app) setup() error {
	absRoot, err := filepath.Abs(a.root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	a.root = absRoot

	cfg, err := config.Load(a.root)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.ignore = append(a.ignore, cfg.Ignore...)

	level := cfg.SlogLevel()
	if a.verbose {
		level = slog.LevelDebug
	}
	if a.stdout == nil {
		a.stdout = os.Stdout
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	a.reporter = report.New(a.stdout, a.root, a.plain)
	return nil
}

// scanOptions returns scan options limited to the selected language, if any.
func (a *app) scanOptions() scan.Options {
	opts := scan.Options{Ignore: a.ignore}
	if a.lang != "" {
		opts.Languages = []string{a.lang}
	}
	return opts
}

// language resolves the working language: the --lang flag when given,
// otherwise the dominant language of the workspace.
func (a *app) language() (string, error) {
	if a.lang != "" {
		return a.lang, nil
	}
	result, err := scan.Scan(a.root, scan.Options{Ignore: a.ignore}, a.logger)
	if err != nil {
		return "", err
	}
	lang := result.DominantLanguage()
	if lang == "" {
		return "", fmt.Errorf("no source files under %s; use --lang", a.root)
	}
	a.logger.Debug("language resolved", "language", lang, "files", len(result.Files))
	return lang, nil
}

// serverConfig builds the server launch configuration for a language,
// preferring the workspace config over the built-in commands.
func (a *app) serverConfig(language string) (lsp.ServerConfig, error) {
	timeout := a.cfg.LSP.RequestTimeout.Std()

	if sc, ok := a.cfg.ServerFor(language); ok {
		return lsp.ServerConfig{
			Command:               sc.Command,
			Args:                  sc.Args,
			WorkDir:               a.root,
			InitializationOptions: sc.InitOptions,
			Timeout:               timeout,
		}, nil
	}

	cmd, err := lsp.ServerCommandFor(language)
	if err != nil {
		return lsp.ServerConfig{}, fmt.Errorf("%s: %w", language, err)
	}
	return lsp.ServerConfig{
		Command: cmd[0],
		Args:    cmd[1:],
		WorkDir: a.root,
		Timeout: timeout,
	}, nil
}

// startClient builds and starts an LSP client for the language, applying the
// workspace's tuning. The caller owns the shutdown.
func (a *app) startClient(ctx context.Context, language string) (*lsp.Client, error) {
	serverCfg, err := a.serverConfig(language)
	if err != nil {
		return nil, err
	}

	client := lsp.NewClient(a.root, language, serverCfg,
		lsp.WithLogger(a.logger),
		lsp.WithSessionCapacity(a.cfg.LSP.SessionCapacity),
		lsp.WithConcurrency(a.cfg.LSP.Concurrency),
		lsp.WithSupervisorConfig(lsp.SupervisorConfig{
			MaxRestarts:       a.cfg.LSP.MaxRestarts,
			InitialBackoff:    a.cfg.LSP.InitialBackoff.Std(),
			MaxBackoff:        a.cfg.LSP.MaxBackoff.Std(),
			BackoffMultiplier: a.cfg.LSP.BackoffMultiplier,
			ResetWindow:       a.cfg.LSP.ResetWindow.Std(),
		}),
	)
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting %s server: %w", language, err)
	}
	return client, nil
}

// resolvePath turns a command-line path argument into an absolute path under
// the workspace.
func (a *app) resolvePath(arg string) string {
	if filepath.IsAbs(arg) {
		return arg
	}
	return filepath.Join(a.root, arg)
}
