package cmd

import (
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
)

var compareCmd = &cobra.Command{
	Use:   "compare -m provider/model -m provider/model [prompt...]",
	Short: "Send the same prompt to several models",
	Long: heredoc.Doc(`
		Send one prompt to every selected model at once. Each model streams
		independently; a failing model does not affect the others.
	`),
	Example: heredoc.Doc(`
		parley compare -m openai/gpt-4o -m anthropic/claude-sonnet-4 "Which sort is stable?"
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetBool("quiet")
		models, _ := cmd.Flags().GetStringArray("model")

		app, err := setupAppWithProgressBar(cmd)
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
		recordPrompt(app.Config().Options.DataDirectory, "compare", prompt)
		return app.RunCompare(cmd.Context(), os.Stdout, prompt, models, quiet)
	},
}

func init() {
	compareCmd.Flags().StringArrayP("model", "m", nil, "Model key (provider/model); repeat for every model")
}
