package tools

import (
	"net/http"

	"charm.land/fantasy"
)

// Config selects the read-only tools given to models.
type Config struct {
	WorkingDir string
	Ls         LsLimits
	// HTTPClient is used by web_fetch; nil picks a default client.
	HTTPClient *http.Client
	// Disabled lists tool names that are left out.
	Disabled []string
}

// Default returns the tool set shared by chat, comparison, council members
// and background tasks.
func Default(cfg Config) []fantasy.AgentTool {
	all := []fantasy.AgentTool{
		NewViewTool(cfg.WorkingDir),
		NewLsTool(cfg.WorkingDir, cfg.Ls),
		NewGlobTool(cfg.WorkingDir),
		NewWebFetchTool(cfg.HTTPClient),
	}
	return Without(all, cfg.Disabled...)
}
