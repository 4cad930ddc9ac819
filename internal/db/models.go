package db

type Session struct {
	ID               string
	Title            string
	MessageCount     int64
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
	CreatedAt        int64
	UpdatedAt        int64
}

type Message struct {
	ID           string
	SessionID    string
	Role         string
	Content      string
	Model        string
	Provider     string
	Origin       string
	ToolUses     string
	FinishReason string
	Error        string
	CreatedAt    int64
	UpdatedAt    int64
}
