package tools

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"charm.land/fantasy"
)

//go:embed web_fetch.md
var webFetchToolDescription []byte

// NewWebFetchTool fetches a page and returns it as markdown. A nil client
// gets a default one with a 30 second timeout.
func NewWebFetchTool(client *http.Client) fantasy.AgentTool {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return fantasy.NewAgentTool(
		WebFetchToolName,
		string(webFetchToolDescription),
		func(ctx context.Context, params WebFetchParams, call fantasy.ToolCall) (fantasy.ToolResponse, error) {
			if params.URL == "" {
				return fantasy.NewTextErrorResponse("url is required"), nil
			}
			if !strings.HasPrefix(params.URL, "http://") && !strings.HasPrefix(params.URL, "https://") {
				return fantasy.NewTextErrorResponse("url must start with http:// or https://"), nil
			}

			content, err := FetchURLAndConvert(ctx, client, params.URL)
			if err != nil {
				if ctx.Err() != nil {
					return fantasy.ToolResponse{}, ctx.Err()
				}
				return fantasy.NewTextErrorResponse(fmt.Sprintf("Failed to fetch URL: %s", err)), nil
			}

			meta := WebFetchResponseMetadata{URL: params.URL, Bytes: len(content)}
			var result strings.Builder
			fmt.Fprintf(&result, "Fetched content from %s:\n\n", params.URL)
			if len(content) > LargeContentThreshold {
				meta.Truncated = true
				result.WriteString(truncateUTF8(content, LargeContentThreshold))
				fmt.Fprintf(&result, "\n\n(Content truncated: showing %d of %d bytes.)", LargeContentThreshold, len(content))
			} else {
				result.WriteString(content)
			}

			return fantasy.WithResponseMetadata(fantasy.NewTextResponse(result.String()), meta), nil
		})
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
