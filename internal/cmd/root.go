package cmd

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"charm.land/lipgloss/v2"
	"github.com/MakeNowJust/heredoc"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/exp/charmtone"
	"github.com/charmbracelet/x/term"
	"github.com/parley-ai/parley/internal/app"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/db"
	"github.com/parley-ai/parley/internal/event"
	"github.com/parley-ai/parley/internal/log"
	termutil "github.com/parley-ai/parley/internal/term"
	"github.com/parley-ai/parley/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.PersistentFlags().StringP("cwd", "c", "", "Current working directory")
	rootCmd.PersistentFlags().StringP("data-dir", "D", "", "Custom parley data directory")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Hide the progress indicator")
	rootCmd.Flags().BoolP("help", "h", false, "Help")

	rootCmd.AddCommand(
		runCmd,
		compareCmd,
		councilCmd,
		delegateCmd,
		historyCmd,
		dirsCmd,
		updateProvidersCmd,
		logsCmd,
		schemaCmd,
	)
}

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Talk to many language models at once",
	Long: heredoc.Doc(`
		Parley streams answers from language models side by side.

		Send a prompt to one chat model, compare several models on the same
		prompt, ask a council of models and have a chairman synthesize their
		answers, or hand work to a background orchestrator that delegates it
		to concurrent tasks.
	`),
	Example: heredoc.Doc(`
		# Ask the chat model
		parley run "Explain the use of context in Go"

		# Compare two models
		parley compare -m openai/gpt-4o -m anthropic/claude-sonnet-4 "Which sort is stable?"

		# Ask the configured council
		parley council "Should this service use gRPC?"

		# Delegate work to background tasks
		parley delegate "Summarize every package under internal/"

		# Run with debug logging in a specific directory
		parley -d -c /path/to/project run "hello"
	`),
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		event.AppExited()
	},
}

var mark = lipgloss.NewStyle().Foreground(charmtone.Charple).SetString(`
 ┌─┐┌─┐┬─┐┬  ┌─┐┬ ┬
 ├─┘├─┤├┬┘│  ├┤ └┬┘
 ┴  ┴ ┴┴└─┴─┘└─┘ ┴
`)

// copied from cobra:
const defaultVersionTemplate = `{{with .DisplayName}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`

func Execute() {
	// cobra prints the version before any hook runs, so the styled mark has
	// to be baked into the template up front.
	if term.IsTerminal(os.Stdout.Fd()) {
		var b bytes.Buffer
		w := colorprofile.NewWriter(os.Stdout, os.Environ())
		w.Forward = &b
		_, _ = w.WriteString(mark.String())
		rootCmd.SetVersionTemplate(b.String() + "\n" + defaultVersionTemplate)
	}
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(version.Version),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

// setupApp loads the configuration, opens the database and builds the app.
func setupApp(cmd *cobra.Command) (*app.App, error) {
	debug, _ := cmd.Flags().GetBool("debug")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	ctx := cmd.Context()

	cwd, err := ResolveCwd(cmd)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(cwd, dataDir, debug)
	if err != nil {
		return nil, err
	}
	if err := createDotParleyDir(cfg.Options.DataDirectory); err != nil {
		return nil, err
	}
	log.Setup(filepath.Join(cfg.Options.DataDirectory, "logs", "parley.log"), cfg.Options.Debug)

	var conn *sql.DB
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Connect to DB; this will also run migrations.
		var err error
		conn, err = db.Connect(gctx, cfg.Options.DataDirectory)
		return err
	})
	g.Go(func() error {
		if event.Enabled(cfg.Options.DisableMetrics) {
			event.Init()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	appInstance, err := app.New(ctx, conn, cfg)
	if err != nil {
		slog.Error("Failed to create app instance", "error", err)
		conn.Close()
		return nil, err
	}
	event.AppInitialized()
	return appInstance, nil
}

func setupAppWithProgressBar(cmd *cobra.Command) (*app.App, error) {
	if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet && termutil.SupportsProgressBar() {
		_, _ = fmt.Fprint(os.Stderr, ansi.SetIndeterminateProgressBar)
		defer func() { _, _ = fmt.Fprint(os.Stderr, ansi.ResetProgressBar) }()
	}
	return setupApp(cmd)
}

// readPrompt joins args and prepends piped stdin.
func readPrompt(args []string) (string, error) {
	prompt, err := MaybePrependStdin(joinArgs(args))
	if err != nil {
		slog.Error("Failed to read from stdin", "error", err)
		return "", err
	}
	if prompt == "" {
		return "", fmt.Errorf("no prompt provided")
	}
	return prompt, nil
}

func MaybePrependStdin(prompt string) (string, error) {
	if term.IsTerminal(os.Stdin.Fd()) {
		return prompt, nil
	}
	fi, err := os.Stdin.Stat()
	if err != nil {
		return prompt, err
	}
	if fi.Mode()&os.ModeNamedPipe == 0 {
		return prompt, nil
	}
	bts, err := io.ReadAll(os.Stdin)
	if err != nil {
		return prompt, err
	}
	if prompt == "" {
		return string(bts), nil
	}
	return string(bts) + "\n\n" + prompt, nil
}

func ResolveCwd(cmd *cobra.Command) (string, error) {
	cwd, _ := cmd.Flags().GetString("cwd")
	if cwd != "" {
		err := os.Chdir(cwd)
		if err != nil {
			return "", fmt.Errorf("failed to change directory: %v", err)
		}
		return cwd, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %v", err)
	}
	return cwd, nil
}

func createDotParleyDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %q %w", dir, err)
	}

	gitIgnorePath := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(gitIgnorePath); os.IsNotExist(err) {
		if err := os.WriteFile(gitIgnorePath, []byte("*\n"), 0o644); err != nil {
			return fmt.Errorf("failed to create .gitignore file: %q %w", gitIgnorePath, err)
		}
	}

	return nil
}
