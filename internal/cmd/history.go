package cmd

import (
	"log/slog"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/history"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [pattern]",
	Short: "List prompts sent from this project",
	Example: heredoc.Doc(`
		# Show the last 20 prompts
		parley history

		# Search prompts
		parley history context
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := ResolveCwd(cmd)
		if err != nil {
			return err
		}
		dataDir, _ := cmd.Flags().GetString("data-dir")
		count, _ := cmd.Flags().GetInt("count")

		cfg, err := config.Load(cwd, dataDir, false)
		if err != nil {
			return err
		}
		h, err := history.Open(cfg.Options.DataDirectory, 0)
		if err != nil {
			return err
		}

		entries := h.Recent(count)
		if len(args) > 0 {
			entries = h.Search(strings.Join(args, " "))
		}
		for _, e := range entries {
			cmd.Printf("%s  %-8s  %s\n", e.Time.Format("2006-01-02 15:04"), e.Kind, firstLine(e.Prompt))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("count", "n", 20, "Number of prompts to show")
}

func firstLine(s string) string {
	line, _, cut := strings.Cut(s, "\n")
	if cut {
		return line + " ..."
	}
	return line
}

// recordPrompt appends prompt to the project's prompt history. Failures are
// logged only.
func recordPrompt(dataDir, kind, prompt string) {
	h, err := history.Open(dataDir, 0)
	if err != nil {
		slog.Warn("Failed to open prompt history", "error", err)
		return
	}
	if err := h.Add(kind, prompt); err != nil {
		slog.Warn("Failed to record prompt", "error", err)
	}
}
