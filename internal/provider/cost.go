package provider

import "github.com/charmbracelet/catwalk/pkg/catwalk"

// Cost prices usage with the model's per-million-token rates.
func Cost(model catwalk.Model, usage Usage) float64 {
	return model.CostPer1MInCached/1e6*float64(usage.CacheCreationTokens) +
		model.CostPer1MOutCached/1e6*float64(usage.CacheReadTokens) +
		model.CostPer1MIn/1e6*float64(usage.InputTokens) +
		model.CostPer1MOut/1e6*float64(usage.OutputTokens)
}
