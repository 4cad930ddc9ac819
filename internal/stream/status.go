package stream

// Status is the lifecycle of one streamed response. It is shared by
// sub-agents, comparison entries and council members.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// IsTerminal reports whether no further content is expected.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// ErrorText returns a non-empty description for err, falling back to
// fallback when err carries no text.
func ErrorText(err error, fallback string) string {
	if err != nil && err.Error() != "" {
		return err.Error()
	}
	return fallback
}
