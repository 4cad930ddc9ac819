package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/exp/charmtone"
	"github.com/parley-ai/parley/internal/agent"
	"github.com/parley-ai/parley/internal/agent/compare"
	"github.com/parley-ai/parley/internal/agent/council"
	"github.com/parley-ai/parley/internal/message"
	"github.com/parley-ai/parley/internal/stream"
	"github.com/parley-ai/parley/internal/stringext"
	"github.com/parley-ai/parley/internal/term"
)

const maxPromptLengthForTitle = 100

var headerStyle = lipgloss.NewStyle().
	Foreground(charmtone.Butter).
	Background(charmtone.Charple).
	Bold(true).
	Padding(0, 1)

var (
	errorHeaderStyle = headerStyle.Background(charmtone.Sriracha)
	mutedStyle       = lipgloss.NewStyle().Foreground(charmtone.Squid)
)

func title(prefix, prompt string) string {
	return prefix + stringext.Truncate(prompt, maxPromptLengthForTitle)
}

func (app *App) newSession(ctx context.Context, prefix, prompt string) (string, error) {
	sess, err := app.Sessions.Create(ctx, title(prefix, prompt))
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	slog.Info("Created session for non-interactive run", "session_id", sess.ID)
	return sess.ID, nil
}

func progress(quiet bool) func() {
	if quiet || !term.SupportsProgressBar() {
		return func() {}
	}
	_, _ = fmt.Fprint(os.Stderr, ansi.SetIndeterminateProgressBar)
	return func() { _, _ = fmt.Fprint(os.Stderr, ansi.ResetProgressBar) }
}

// RunNonInteractive sends prompt on the chat model of a new conversation and
// prints the reply to output as it streams in.
func (app *App) RunNonInteractive(ctx context.Context, output io.Writer, prompt string, quiet bool) error {
	slog.Info("Running in non-interactive mode")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer progress(quiet)()

	sessionID, err := app.newSession(ctx, "Non-interactive: ", prompt)
	if err != nil {
		return err
	}

	events := app.Coordinator.Streams().Subscribe(ctx)
	type response struct {
		result *agent.ChatResult
		err    error
	}
	done := make(chan response, 1)
	go func() {
		result, err := app.Coordinator.Chat(ctx, sessionID, prompt)
		done <- response{result, err}
	}()

	// Always print a newline at the end. If output is a TTY this will
	// prevent the prompt from overwriting the last line of output.
	defer fmt.Fprintln(output)

	var written int
	for {
		select {
		case res := <-done:
			if res.err != nil {
				if errors.Is(res.err, context.Canceled) || errors.Is(res.err, agent.ErrRequestCancelled) {
					slog.Info("Non-interactive: chat cancelled", "session_id", sessionID)
					return nil
				}
				return fmt.Errorf("chat failed: %w", res.err)
			}
			// Deltas may still be queued; the result is authoritative.
			if len(res.result.Content) > written {
				fmt.Fprint(output, res.result.Content[written:])
			}
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Payload.ID != sessionID {
				continue
			}
			content := ev.Payload.State.Content
			if len(content) < written {
				slog.Warn("Non-interactive: stream restarted", "session_id", sessionID)
				written = 0
			}
			fmt.Fprint(output, content[written:])
			written = len(content)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunCompare sends prompt to every model of modelKeys and prints each reply.
func (app *App) RunCompare(ctx context.Context, output io.Writer, prompt string, modelKeys []string, quiet bool) error {
	defer progress(quiet)()

	sessionID, err := app.newSession(ctx, "Compare: ", prompt)
	if err != nil {
		return err
	}
	results, err := app.Coordinator.Compare(ctx, sessionID, prompt, modelKeys)
	if err != nil {
		return err
	}
	for _, r := range results {
		printResult(output, r.ModelKey, r)
	}
	return nil
}

// RunCouncil runs the configured council on prompt and prints every member
// reply followed by the chairman's synthesis.
func (app *App) RunCouncil(ctx context.Context, output io.Writer, prompt string, members []string, chairman string, quiet bool) error {
	defer progress(quiet)()

	sessionID, err := app.newSession(ctx, "Council: ", prompt)
	if err != nil {
		return err
	}
	res, err := app.Coordinator.Council(ctx, sessionID, prompt, members, chairman)
	if err != nil {
		return err
	}
	for _, m := range res.Members {
		printResult(output, m.ModelKey, m)
	}
	if res.Phase != council.PhaseComplete {
		lipgloss.Fprintln(output, mutedStyle.Render("Council stopped before synthesis."))
		return nil
	}
	printResult(output, "chairman "+res.Chairman.ModelKey, res.Chairman)
	return nil
}

// RunDelegate queues prompt on the background orchestrator of a new
// conversation, waits until every task has finished and prints the turns
// they committed.
func (app *App) RunDelegate(ctx context.Context, output io.Writer, prompt string, quiet bool) error {
	defer progress(quiet)()

	sessionID, err := app.newSession(ctx, "Delegate: ", prompt)
	if err != nil {
		return err
	}
	o, err := app.Coordinator.Background(sessionID)
	if err != nil {
		return err
	}
	if err := o.SendMessage(prompt); err != nil {
		return err
	}
	if err := o.WaitIdle(ctx); err != nil {
		o.CancelAllTasks()
		return err
	}

	msgs, err := app.Messages.List(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Role != message.Assistant {
			continue
		}
		label := stringext.Capitalize(m.Origin)
		if taskID, ok := message.TaskID(m.Origin); ok {
			label = "Task " + taskID
		}
		printTurn(output, label, m.Content, m.Error)
	}
	return nil
}

func printResult(output io.Writer, label string, r compare.Result) {
	errText := r.Error
	if r.Canceled && errText == "" {
		errText = "canceled"
	}
	if r.Status != stream.StatusError && !r.Canceled {
		errText = ""
	}
	printTurn(output, label, r.Content, errText)
}

func printTurn(output io.Writer, label, content, errText string) {
	style := headerStyle
	if errText != "" {
		style = errorHeaderStyle
	}
	lipgloss.Fprintln(output, style.Render(label))
	if content = strings.TrimSpace(content); content != "" {
		fmt.Fprintln(output, content)
	}
	if errText != "" {
		lipgloss.Fprintln(output, mutedStyle.Render(errText))
	}
	fmt.Fprintln(output)
}
