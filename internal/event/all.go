package event

import (
	"time"
)

var appStartTime time.Time

func AppInitialized() {
	appStartTime = time.Now()
	send("app initialized")
}

func AppExited() {
	duration := time.Since(appStartTime).Truncate(time.Second)
	send(
		"app exited",
		"app duration pretty", duration.String(),
		"app duration in seconds", int64(duration.Seconds()),
	)
	Flush()
}

func SessionCreated() {
	send("session created")
}

func PromptSent(props ...any) {
	send(
		"prompt sent",
		props...,
	)
}

func PromptResponded(props ...any) {
	send(
		"prompt responded",
		props...,
	)
}

func TokensUsed(props ...any) {
	send(
		"tokens used",
		props...,
	)
}

func ComparisonFinished(props ...any) {
	send(
		"comparison finished",
		props...,
	)
}

func CouncilFinished(props ...any) {
	send(
		"council finished",
		props...,
	)
}

func TaskLaunched(props ...any) {
	send(
		"task launched",
		props...,
	)
}

func TaskFinished(props ...any) {
	send(
		"task finished",
		props...,
	)
}
