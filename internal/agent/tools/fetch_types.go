package tools

// WebFetchToolName is the name of the web_fetch tool.
const WebFetchToolName = "web_fetch"

// LargeContentThreshold is the size above which fetched pages are cut.
const LargeContentThreshold = 50000 // 50KB

// WebFetchParams defines the parameters for the web_fetch tool.
type WebFetchParams struct {
	URL string `json:"url" description:"The URL to fetch content from"`
}

type WebFetchResponseMetadata struct {
	URL       string `json:"url"`
	Bytes     int    `json:"bytes"`
	Truncated bool   `json:"truncated"`
}
