package event

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"

	"github.com/parley-ai/parley/internal/version"
	"github.com/posthog/posthog-go"
)

const endpoint = "https://eu.i.posthog.com"

var (
	// Key is the project API key, set at build time. Telemetry is off
	// without one.
	Key = ""

	client posthog.Client

	baseProps = posthog.NewProperties().
			Set("GOOS", runtime.GOOS).
			Set("GOARCH", runtime.GOARCH).
			Set("TERM", os.Getenv("TERM")).
			Set("SHELL", filepath.Base(os.Getenv("SHELL"))).
			Set("Version", version.Version).
			Set("GoVersion", runtime.Version())
)

// Enabled reports whether telemetry may be sent. PARLEY_DISABLE_METRICS
// and DO_NOT_TRACK both turn it off.
func Enabled(disabledByConfig bool) bool {
	if Key == "" || disabledByConfig {
		return false
	}
	for _, env := range []string{"PARLEY_DISABLE_METRICS", "DO_NOT_TRACK"} {
		if v, _ := strconv.ParseBool(os.Getenv(env)); v {
			return false
		}
	}
	return true
}

func Init() {
	c, err := posthog.NewWithConfig(Key, posthog.Config{
		Endpoint: endpoint,
		Logger:   logger{},
	})
	if err != nil {
		slog.Error("Failed to initialize PostHog client", "error", err)
		return
	}
	client = c
	distinctId = getDistinctId()
}

// send logs an event to PostHog with the given event name and properties.
func send(event string, props ...any) {
	if client == nil {
		return
	}
	err := client.Enqueue(posthog.Capture{
		DistinctId: distinctId,
		Event:      event,
		Properties: pairsToProps(props...).Merge(baseProps),
	})
	if err != nil {
		slog.Error("Failed to enqueue PostHog event", "event", event, "props", props, "error", err)
		return
	}
}

// Error logs an error event to PostHog with the error type and message.
func Error(err any, props ...any) {
	if client == nil {
		return
	}
	// The PostHog Go client does not yet support sending exceptions.
	// We're mimicking the behavior by sending the minimal info required
	// for PostHog to recognize this as an exception event.
	props = append(
		[]any{
			"$exception_list",
			[]map[string]string{
				{"type": reflect.TypeOf(err).String(), "value": fmt.Sprintf("%v", err)},
			},
		},
		props...,
	)
	send("$exception", props...)
}

func Flush() {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		slog.Error("Failed to flush PostHog events", "error", err)
	}
}

func pairsToProps(props ...any) posthog.Properties {
	p := posthog.NewProperties()

	if !isEven(len(props)) {
		slog.Error("Event properties must be provided as key-value pairs", "props", props)
		return p
	}

	for i := 0; i < len(props); i += 2 {
		key, ok := props[i].(string)
		if !ok {
			slog.Error("Event property key must be a string", "key", props[i])
			continue
		}
		p = p.Set(key, props[i+1])
	}
	return p
}

func isEven(n int) bool {
	return n%2 == 0
}
