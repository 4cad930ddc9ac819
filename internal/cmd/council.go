package cmd

import (
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
)

var councilCmd = &cobra.Command{
	Use:   "council [prompt...]",
	Short: "Ask a council of models and synthesize their answers",
	Long: heredoc.Doc(`
		Ask every council member the same prompt. Once all of them have
		answered, the chairman model synthesizes a single reply.

		Members and chairman default to the "council" and "models.chairman"
		configuration entries.
	`),
	Example: heredoc.Doc(`
		# Use the configured council
		parley council "Should this service use gRPC?"

		# Pick members and chairman
		parley council -m openai/gpt-4o -m anthropic/claude-sonnet-4 --chairman openai/o3 "Tabs or spaces?"
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetBool("quiet")
		members, _ := cmd.Flags().GetStringArray("member")
		chairman, _ := cmd.Flags().GetString("chairman")

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
		recordPrompt(app.Config().Options.DataDirectory, "council", prompt)
		return app.RunCouncil(cmd.Context(), os.Stdout, prompt, members, chairman, quiet)
	},
}

func init() {
	councilCmd.Flags().StringArrayP("member", "m", nil, "Council member (provider/model); repeat for every member")
	councilCmd.Flags().String("chairman", "", "Chairman model (provider/model)")
}
