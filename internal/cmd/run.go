package cmd

import (
	"errors"
	"os"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Send a single prompt to the chat model",
	Long: heredoc.Doc(`
		Send one prompt to the configured chat model and stream the reply.
		The prompt can be provided as arguments or piped from stdin.
	`),
	Example: heredoc.Doc(`
		# Run a simple prompt
		parley run Explain the use of context in Go

		# Pipe input from stdin
		curl https://charm.land | parley run "Summarize this website"

		# Hide the progress indicator
		parley run --quiet "Generate a README for this project"
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetBool("quiet")

		app, err := setupApp(cmd)
		if err != nil {
			return err
		}
		defer app.Shutdown()

		if !app.Config().IsConfigured() {
			return errNotConfigured
		}

		prompt, err := readPrompt(args)
		if err != nil {
			return err
		}
		recordPrompt(app.Config().Options.DataDirectory, "run", prompt)
		return app.RunNonInteractive(cmd.Context(), os.Stdout, prompt, quiet)
	},
}

var errNotConfigured = errors.New("no providers configured - add one to parley.json")

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
