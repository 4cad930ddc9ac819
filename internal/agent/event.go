package agent

import (
	"time"

	"github.com/parley-ai/parley/internal/agent/background"
	"github.com/parley-ai/parley/internal/agent/compare"
	"github.com/parley-ai/parley/internal/agent/council"
	"github.com/parley-ai/parley/internal/event"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/stream"
)

func (c *Coordinator) eventPromptSent(sessionID string, target provider.Target) {
	event.PromptSent(eventCommon(sessionID, target)...)
}

func (c *Coordinator) eventPromptResponded(sessionID string, target provider.Target, duration time.Duration) {
	event.PromptResponded(
		append(
			eventCommon(sessionID, target),
			"prompt duration pretty", duration.String(),
			"prompt duration in seconds", int64(duration.Seconds()),
		)...,
	)
}

func (c *Coordinator) eventTokensUsed(sessionID string, target provider.Target, usage provider.Usage, cost float64) {
	event.TokensUsed(
		append(
			eventCommon(sessionID, target),
			"input tokens", usage.InputTokens,
			"output tokens", usage.OutputTokens,
			"cache read tokens", usage.CacheReadTokens,
			"cache creation tokens", usage.CacheCreationTokens,
			"total tokens", usage.InputTokens+usage.OutputTokens+usage.CacheReadTokens+usage.CacheCreationTokens,
			"cost", cost,
		)...,
	)
}

func (c *Coordinator) eventComparisonFinished(sessionID string, results []compare.Result) {
	failed := 0
	for _, r := range results {
		if r.Status == stream.StatusError {
			failed++
		}
	}
	event.ComparisonFinished(
		"session id", sessionID,
		"models", len(results),
		"failed models", failed,
	)
}

func (c *Coordinator) eventCouncilFinished(sessionID string, res council.Result) {
	event.CouncilFinished(
		"session id", sessionID,
		"members", len(res.Members),
		"phase", string(res.Phase),
		"chairman", res.Chairman.ModelKey,
	)
}

func (c *Coordinator) eventTaskLaunched(sessionID string, task background.Task) {
	event.TaskLaunched(
		"session id", sessionID,
		"model", task.ModelKey,
	)
}

func (c *Coordinator) eventTaskFinished(sessionID string, task background.Task) {
	event.TaskFinished(
		"session id", sessionID,
		"model", task.ModelKey,
		"status", string(task.Status),
		"canceled", task.Canceled,
		"duration in seconds", int64(task.CompletedAt.Sub(task.StartedAt).Seconds()),
	)
}

func eventCommon(sessionID string, target provider.Target) []any {
	return []any{
		"session id", sessionID,
		"provider", target.ProviderID,
		"model", target.ModelID,
	}
}
