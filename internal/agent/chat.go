package agent

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/agent/toolloop"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/message"
	"github.com/parley-ai/parley/internal/provider"
)

// ChatResult is the outcome of one chat turn.
type ChatResult struct {
	Content   string
	ToolUses  []message.ToolUse
	SkillUses []string
	Usage     provider.Usage
	Cost      float64
	Truncated bool
}

// Chat sends a prompt on the conversation's chat model and streams the
// reply into the stream registry under the session id. The finished reply is
// committed as one assistant turn. A stopped chat commits what arrived so
// far and returns ErrRequestCancelled.
func (c *Coordinator) Chat(ctx context.Context, sessionID, text string) (*ChatResult, error) {
	if err := validateRequest(sessionID, text); err != nil {
		return nil, err
	}
	if c.ctx.Err() != nil {
		return nil, ErrShutdown
	}
	if c.streams.IsStreaming(sessionID) {
		return nil, ErrSessionBusy
	}

	cfg := c.cfg()
	key, ok := cfg.ModelKey(config.SelectedModelTypeChat)
	if !ok {
		return nil, ErrNoChatModel
	}

	commitCtx := context.WithoutCancel(ctx)
	history := c.history(commitCtx, sessionID)
	c.commit(commitCtx, sessionID, message.CreateMessageParams{Role: message.User, Content: text})

	h := c.streams.StartStreaming(ctx, sessionID)
	ctx = h.Context()

	target, err := c.resolver.Resolve(ctx, key)
	if err != nil {
		h.Fail(err)
		c.commit(commitCtx, sessionID, message.CreateMessageParams{
			Role:         message.Assistant,
			FinishReason: message.FinishReasonError,
			Error:        errorText(err),
		})
		return nil, err
	}

	c.eventPromptSent(sessionID, target)
	start := time.Now()

	chatTools := c.tools(cfg)
	if slices.Contains(cfg.EnabledTools(), AgentToolName) {
		runner := subagentRunner{
			handle:        h,
			target:        target,
			tools:         chatTools,
			systemPrompt:  c.systemPrompt(c.taskPrompt, target.ProviderID, target.ModelID, cfg),
			maxIterations: cfg.Options.MaxIterations,
			metrics:       c.metrics,
		}
		chatTools = append(chatTools, runner.agentTool())
	}

	var (
		mu      sync.Mutex
		partial strings.Builder
	)
	messages := append(history, provider.UserMessage(text))
	out, err := toolloop.Execute(ctx, target.Provider, target.ModelID, messages, toolloop.Options{
		MaxIterations: cfg.Options.MaxIterations,
		MaxTokens:     target.MaxTokens(),
		Tools:         chatTools,
		SystemPrompt:  c.systemPrompt(c.chatPrompt, target.ProviderID, target.ModelID, cfg),
		Metrics:       c.metrics,
		OnChunk: func(chunk string) {
			mu.Lock()
			partial.WriteString(chunk)
			mu.Unlock()
			h.UpdateContent(chunk)
		},
		OnToolUse: h.AddToolUse,
	})
	cost := provider.Cost(target.Model, out.Usage)
	c.addUsage(commitCtx, sessionID, out.Usage, cost)
	c.eventTokensUsed(sessionID, target, out.Usage, cost)

	params := message.CreateMessageParams{
		Role:     message.Assistant,
		Model:    target.ModelID,
		Provider: target.ProviderID,
		ToolUses: out.ToolUses,
	}

	switch {
	case err != nil && (isCancelledErr(err) || ctx.Err() != nil):
		mu.Lock()
		params.Content = partial.String()
		mu.Unlock()
		params.FinishReason = message.FinishReasonCanceled
		c.commit(commitCtx, sessionID, params)
		h.Stop()
		return nil, ErrRequestCancelled
	case err != nil:
		slog.Error("Chat request failed", "session_id", sessionID, "model", key, "error", err)
		mu.Lock()
		params.Content = partial.String()
		mu.Unlock()
		params.FinishReason = message.FinishReasonError
		params.Error = errorText(err)
		c.commit(commitCtx, sessionID, params)
		h.Fail(err)
		return nil, err
	}

	params.Content = out.FinalContent
	params.FinishReason = message.FinishReasonEndTurn
	if out.StopReason == provider.StopReasonMaxTokens {
		params.FinishReason = message.FinishReasonMaxTokens
	}
	c.commit(commitCtx, sessionID, params)
	h.Complete(c.isViewed(sessionID))
	h.Clear()
	c.eventPromptResponded(sessionID, target, time.Since(start))

	return &ChatResult{
		Content:   out.FinalContent,
		ToolUses:  out.ToolUses,
		SkillUses: out.SkillUses,
		Usage:     out.Usage,
		Cost:      cost,
		Truncated: out.Truncated,
	}, nil
}

// Cancel stops the chat stream of a conversation. It is a no-op when the
// conversation has nothing streaming.
func (c *Coordinator) Cancel(sessionID string) {
	c.streams.StopStreaming(sessionID)
}

// IsSessionBusy reports whether the conversation has a chat stream.
func (c *Coordinator) IsSessionBusy(sessionID string) bool {
	return c.streams.IsStreaming(sessionID)
}
