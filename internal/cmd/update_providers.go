package cmd

import (
	"fmt"
	"log/slog"

	"charm.land/lipgloss/v2"
	"github.com/MakeNowJust/heredoc"
	"github.com/charmbracelet/x/exp/charmtone"
	"github.com/parley-ai/parley/internal/config"
	"github.com/spf13/cobra"
)

var updateProvidersCmd = &cobra.Command{
	Use:   "update-providers [path-or-url]",
	Short: "Update providers",
	Long: heredoc.Doc(`
		Update the provider catalogue from a local path or remote URL.

		The catalogue fills in context windows, output limits and pricing for
		configured model keys. It is refreshed automatically once a day unless
		provider auto-update is disabled.
	`),
	Example: heredoc.Doc(`
		# Update providers remotely from Catwalk
		parley update-providers

		# Update providers from a custom URL
		parley update-providers https://example.com/

		# Update providers from a local file
		parley update-providers /path/to/local-providers.json

		# Update providers from embedded version
		parley update-providers embedded
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Logging would land on stdout before log.Setup runs.
		slog.SetDefault(slog.New(slog.DiscardHandler))

		var pathOrURL string
		if len(args) > 0 {
			pathOrURL = args[0]
		}

		catalogue, err := config.UpdateCatalogue(pathOrURL)
		if err != nil {
			return err
		}

		// Mirrors fang's error header.
		headerStyle := lipgloss.NewStyle().
			Foreground(charmtone.Butter).
			Background(charmtone.Guac).
			Bold(true).
			Padding(0, 1).
			Margin(1).
			MarginLeft(2).
			SetString("SUCCESS")
		textStyle := lipgloss.NewStyle().
			MarginLeft(2).
			SetString(fmt.Sprintf("Catalogue updated: %d providers from %s.", len(catalogue.Providers), catalogue.Source))

		fmt.Printf("%s\n%s\n\n", headerStyle.Render(), textStyle.Render())
		return nil
	},
}
