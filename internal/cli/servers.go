package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"codescope/internal/lsp"
)

func newServersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "Show the language server command for each language",
		RunE: func(cmd *cobra.Command, args []string) error {
			commands := map[string][]string{}
			for lang, command := range lsp.DefaultServerCommands {
				commands[lang] = command
			}
			configured := map[string]bool{}
			for lang, sc := range a.cfg.LSP.Servers {
				commands[lang] = append([]string{sc.Command}, sc.Args...)
				configured[lang] = true
			}

			langs := make([]string, 0, len(commands))
			for lang := range commands {
				langs = append(langs, lang)
			}
			sort.Strings(langs)

			out := cmd.OutOrStdout()
			for _, lang := range langs {
				source := ""
				if configured[lang] {
					source = "  (configured)"
				}
				fmt.Fprintf(out, "%-16s %s%s\n", lang, strings.Join(commands[lang], " "), source)
			}
			return nil
		},
	}
}
