package tools

import (
	"bufio"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"charm.land/fantasy"
)

//go:embed view.md
var viewDescription []byte

type ViewParams struct {
	FilePath string `json:"file_path" description:"The path to the file to read"`
	Offset   int    `json:"offset,omitempty" description:"The line number to start reading from (0-based)"`
	Limit    int    `json:"limit,omitempty" description:"The number of lines to read (defaults to 2000)"`
}

type ViewResponseMetadata struct {
	FilePath string `json:"file_path"`
	Lines    int    `json:"lines"`
}

const (
	ViewToolName     = "view"
	MaxReadSize      = 250 * 1024
	DefaultReadLimit = 2000
	MaxLineLength    = 2000
)

func NewViewTool(workingDir string) fantasy.AgentTool {
	return fantasy.NewAgentTool(
		ViewToolName,
		string(viewDescription),
		func(ctx context.Context, params ViewParams, call fantasy.ToolCall) (fantasy.ToolResponse, error) {
			if params.FilePath == "" {
				return fantasy.NewTextErrorResponse("file_path is required"), nil
			}

			filePath, err := resolvePath(workingDir, params.FilePath)
			if err != nil {
				return fantasy.NewTextErrorResponse(err.Error()), nil
			}

			fileInfo, err := os.Stat(filePath)
			if err != nil {
				if os.IsNotExist(err) {
					return fantasy.NewTextErrorResponse(notFound(filePath)), nil
				}
				return fantasy.ToolResponse{}, fmt.Errorf("error accessing file: %w", err)
			}
			if fileInfo.IsDir() {
				return fantasy.NewTextErrorResponse(fmt.Sprintf("Path is a directory, not a file: %s", filePath)), nil
			}
			if fileInfo.Size() > MaxReadSize {
				return fantasy.NewTextErrorResponse(fmt.Sprintf("File is too large (%d bytes). Maximum size is %d bytes",
					fileInfo.Size(), MaxReadSize)), nil
			}
			if kind, ok := imageKind(filePath); ok {
				return fantasy.NewTextErrorResponse(fmt.Sprintf("This is an image file of type: %s", kind)), nil
			}

			if params.Limit <= 0 {
				params.Limit = DefaultReadLimit
			}
			params.Offset = max(params.Offset, 0)

			content, lineCount, err := readTextFile(filePath, params.Offset, params.Limit)
			if err != nil {
				return fantasy.ToolResponse{}, fmt.Errorf("error reading file: %w", err)
			}
			if !utf8.ValidString(content) {
				return fantasy.NewTextErrorResponse("File content is not valid UTF-8"), nil
			}

			var out strings.Builder
			out.WriteString("<file>\n")
			out.WriteString(addLineNumbers(content, params.Offset+1))
			read := params.Offset + strings.Count(content, "\n") + 1
			if content != "" && lineCount > read {
				fmt.Fprintf(&out, "\n\n(File has more lines. Use 'offset' parameter to read beyond line %d)", read)
			}
			out.WriteString("\n</file>\n")

			return fantasy.WithResponseMetadata(
				fantasy.NewTextResponse(out.String()),
				ViewResponseMetadata{FilePath: filePath, Lines: lineCount},
			), nil
		})
}

// notFound suggests up to three similarly named siblings.
func notFound(filePath string) string {
	dir := filepath.Dir(filePath)
	base := strings.ToLower(filepath.Base(filePath))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Sprintf("File not found: %s", filePath)
	}
	var suggestions []string
	for _, entry := range entries {
		name := strings.ToLower(entry.Name())
		if strings.Contains(name, base) || strings.Contains(base, name) {
			suggestions = append(suggestions, filepath.Join(dir, entry.Name()))
			if len(suggestions) == 3 {
				break
			}
		}
	}
	if len(suggestions) == 0 {
		return fmt.Sprintf("File not found: %s", filePath)
	}
	return fmt.Sprintf("File not found: %s\n\nDid you mean one of these?\n%s", filePath, strings.Join(suggestions, "\n"))
}

func addLineNumbers(content string, startLine int) string {
	if content == "" {
		return ""
	}

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = fmt.Sprintf("%6d|%s", i+startLine, strings.TrimSuffix(line, "\r"))
	}
	return strings.Join(lines, "\n")
}

// readTextFile returns up to limit lines starting at offset, plus the total
// number of lines in the file.
func readTextFile(filePath string, offset, limit int) (string, int, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	scanner := newLineScanner(file)
	lineCount := 0
	lines := make([]string, 0, min(limit, 256))
	for scanner.Scan() {
		lineCount++
		if lineCount <= offset || len(lines) >= limit {
			continue
		}
		text := scanner.Text()
		if len(text) > MaxLineLength {
			text = text[:MaxLineLength] + "..."
		}
		lines = append(lines, text)
	}
	if err := scanner.Err(); err != nil {
		return "", 0, err
	}
	return strings.Join(lines, "\n"), lineCount, nil
}

func imageKind(filePath string) (string, bool) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".jpg", ".jpeg":
		return "JPEG", true
	case ".png":
		return "PNG", true
	case ".gif":
		return "GIF", true
	case ".bmp":
		return "BMP", true
	case ".svg":
		return "SVG", true
	case ".webp":
		return "WebP", true
	default:
		return "", false
	}
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	// Minified files can have very long lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}
