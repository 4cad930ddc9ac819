package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log/v2"
	"github.com/nxadm/tail"
	"github.com/parley-ai/parley/internal/config"
	"github.com/spf13/cobra"
)

const defaultTailLines = 1000

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View parley logs",
	Long:  `View the logs generated by parley. This command allows you to monitor the log output for debugging and analysis.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := ResolveCwd(cmd)
		if err != nil {
			return err
		}
		follow, _ := cmd.Flags().GetBool("follow")
		tailLines, _ := cmd.Flags().GetInt("tail")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		logger := log.NewWithOptions(cmd.OutOrStdout(), log.Options{Level: log.DebugLevel})

		cfg, err := config.Load(cwd, dataDir, false)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}
		logsFile := filepath.Join(cfg.Options.DataDirectory, "logs", "parley.log")
		if _, err := os.Stat(logsFile); os.IsNotExist(err) {
			logger.Warn("Looks like you are not in a parley project. No logs found.")
			return nil
		}

		if follow {
			return followLogs(cmd.Context(), logger, logsFile, tailLines)
		}
		return showLogs(logger, logsFile, tailLines)
	},
}

func init() {
	logsCmd.Flags().BoolP("follow", "f", false, "Follow log output")
	logsCmd.Flags().IntP("tail", "t", defaultTailLines, "Show only the last N lines")
}

func followLogs(ctx context.Context, logger *log.Logger, logsFile string, tailLines int) error {
	f, err := os.Open(logsFile)
	if err != nil {
		return fmt.Errorf("failed to open log file: %v", err)
	}
	lines, err := lastLines(f, tailLines)
	f.Close()
	if err != nil {
		return err
	}
	for _, line := range lines {
		printLogLine(logger, line)
	}

	t, err := tail.TailFile(logsFile, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Logger:   tail.DiscardingLogger,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
	})
	if err != nil {
		return fmt.Errorf("failed to tail log file: %v", err)
	}
	defer t.Cleanup()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				continue
			}
			printLogLine(logger, line.Text)
		case <-ctx.Done():
			return t.Stop()
		}
	}
}

func showLogs(logger *log.Logger, logsFile string, tailLines int) error {
	f, err := os.Open(logsFile)
	if err != nil {
		return fmt.Errorf("failed to open log file: %v", err)
	}
	defer f.Close()

	lines, err := lastLines(f, tailLines)
	if err != nil {
		return err
	}
	for _, line := range lines {
		printLogLine(logger, line)
	}
	return nil
}

// lastLines returns at most n trailing lines of r. n <= 0 returns all of
// them.
func lastLines(r io.Reader, n int) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if n > 0 && len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %v", err)
	}
	return lines, nil
}

// printLogLine re-renders one JSON slog record. Lines that are not JSON are
// printed as they are.
func printLogLine(logger *log.Logger, line string) {
	var data map[string]any
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		logger.Print(line)
		return
	}

	msg, _ := data["msg"].(string)
	level, _ := data["level"].(string)
	var keyvals []any
	if ts, ok := data["time"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			keyvals = append(keyvals, "time", parsed.Format("15:04:05"))
		}
	}
	if source, ok := data["source"].(map[string]any); ok {
		file, _ := source["file"].(string)
		lineNo, _ := source["line"].(float64)
		keyvals = append(keyvals, "source", fmt.Sprintf("%s:%d", filepath.Base(file), int(lineNo)))
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		switch k {
		case "msg", "level", "time", "source":
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		keyvals = append(keyvals, k, data[k])
	}

	switch strings.ToUpper(level) {
	case "DEBUG":
		logger.Debug(msg, keyvals...)
	case "WARN":
		logger.Warn(msg, keyvals...)
	case "ERROR":
		logger.Error(msg, keyvals...)
	default:
		logger.Info(msg, keyvals...)
	}
}
