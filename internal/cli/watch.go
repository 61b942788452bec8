package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"codescope/internal/lsp"
	"codescope/internal/watch"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the language server in sync with the filesystem",
		Long: `Watches the workspace and mirrors file changes into the language
server: edits become document syncs, deletions close the document. Server
lifecycle transitions (crashes, restarts) are reported as they happen.
Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return a.withClient(ctx, func(ctx context.Context, client *lsp.Client) error {
				watcher, err := watch.New(a.root, client, watch.Options{
					Ignore: a.ignore,
					Logger: a.logger,
				})
				if err != nil {
					return err
				}

				go func() {
					for {
						select {
						case <-ctx.Done():
							return
						case event := <-watcher.Events():
							a.reporter.WatchEvent(event)
						case event := <-client.Events():
							a.reporter.SupervisorEvent(event)
						}
					}
				}()

				a.reporter.Title("watching " + a.root)
				err = watcher.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}
