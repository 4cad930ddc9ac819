package log

import (
	"log/slog"
	"net/http"
	"time"
)

// NewHTTPClient returns a client that logs every provider request and
// response status at debug level.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &HTTPRoundTripLogger{
			Transport: http.DefaultTransport,
		},
	}
}

type HTTPRoundTripLogger struct {
	Transport http.RoundTripper
}

func (h *HTTPRoundTripLogger) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	slog.Debug("HTTP request",
		"method", req.Method,
		"url", req.URL.Redacted(),
	)

	resp, err := h.Transport.RoundTrip(req)
	duration := time.Since(start)
	if err != nil {
		slog.Debug("HTTP request failed",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		return resp, err
	}

	slog.Debug("HTTP response",
		"method", req.Method,
		"url", req.URL.Redacted(),
		"status", resp.StatusCode,
		"content_type", resp.Header.Get("Content-Type"),
		"duration_ms", duration.Milliseconds(),
	)
	return resp, nil
}
