package cmd

import (
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
)

var delegateCmd = &cobra.Command{
	Use:   "delegate [prompt...]",
	Short: "Hand a request to the background orchestrator",
	Long: heredoc.Doc(`
		Queue a request on a background orchestrator. The orchestrator model
		splits it into tasks that run concurrently on the task model; the
		command waits for every task and prints the turns they produced.
	`),
	Example: heredoc.Doc(`
		parley delegate "Summarize every package under internal/"
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetBool("quiet")

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
		recordPrompt(app.Config().Options.DataDirectory, "delegate", prompt)
		return app.RunDelegate(cmd.Context(), os.Stdout, prompt, quiet)
	},
}
