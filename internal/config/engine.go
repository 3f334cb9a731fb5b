package config

import "github.com/kennelworks/kennel/internal/engine"

// Resolve merges the configured overrides onto the engine's built-in
// defaults. Zero-valued fields keep the default.
func (e EngineConfig) Resolve() engine.Config {
	cfg := engine.DefaultConfig()
	if e.SimilarityThreshold > 0 {
		cfg.SimilarityThreshold = e.SimilarityThreshold
	}
	if e.ImportanceDecay > 0 {
		cfg.ImportanceDecay = e.ImportanceDecay
	}
	if e.PruneThreshold > 0 {
		cfg.PruneThreshold = e.PruneThreshold
	}
	if e.MinRelevance > 0 {
		cfg.MinRelevance = e.MinRelevance
	}
	if e.StaleAfterDays > 0 {
		cfg.StaleAfterDays = e.StaleAfterDays
	}
	if e.BatchSize > 0 {
		cfg.BatchSize = e.BatchSize
	}
	if e.MaxMergePerRun > 0 {
		cfg.MaxMergePerRun = e.MaxMergePerRun
	}
	if e.MaxPrunePerRun > 0 {
		cfg.MaxPrunePerRun = e.MaxPrunePerRun
	}
	if e.MinReplayReward > 0 {
		cfg.MinReplayReward = e.MinReplayReward
	}
	return cfg
}
