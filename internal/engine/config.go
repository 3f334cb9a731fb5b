package engine

import "fmt"

// Config holds the tunable thresholds and bounds of the engine. All
// defaults derive from φ or the Fibonacci sequence; every one is
// overridable per deployment.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity for two
	// memories to be merged (default 1/φ ≈ 0.618).
	SimilarityThreshold float64

	// ImportanceDecay is the fraction of importance removed per decay
	// application (default 1/φ² ≈ 0.382).
	ImportanceDecay float64

	// PruneThreshold is the importance at or below which a memory becomes
	// a prune candidate, and the floor decay never crosses
	// (default 1/φ³ ≈ 0.236).
	PruneThreshold float64

	// MinRelevance is the default score floor for retrieval results
	// (default 1/φ³ ≈ 0.236).
	MinRelevance float64

	// StaleAfterDays is the staleness window for decay selection and
	// recency scoring (default 13).
	StaleAfterDays int

	// DecayMaxAccess is the highest access count a memory may have and
	// still be selected for decay (default 2).
	DecayMaxAccess int

	// BatchSize bounds how many rows a single consolidation phase scans
	// (default 55).
	BatchSize int

	// MaxMergePerRun caps merges per consolidation run (default 21).
	MaxMergePerRun int

	// MaxPrunePerRun caps deletions per consolidation run (default 34).
	MaxPrunePerRun int

	// MinReplayReward is the reward floor for trajectories considered
	// replay-worthy (default 1/φ² ≈ 0.382).
	MinReplayReward float64

	// CacheKeys caps how many taskType:agentID keys the in-process
	// success cache holds (default 100, LRU eviction).
	CacheKeys int

	// CachePerKey caps how many trajectories are cached per key
	// (default 10, highest reward kept).
	CachePerKey int
}

// DefaultConfig returns the φ-derived defaults. The batch bounds are
// Fibonacci numbers so a single run's work is evenly, predictably capped.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: PhiInv,
		ImportanceDecay:     PhiInv2,
		PruneThreshold:      PhiInv3,
		MinRelevance:        PhiInv3,
		StaleAfterDays:      13,
		DecayMaxAccess:      2,
		BatchSize:           55,
		MaxMergePerRun:      21,
		MaxPrunePerRun:      34,
		MinReplayReward:     PhiInv2,
		CacheKeys:           100,
		CachePerKey:         10,
	}
}

// Validate checks the config for values that would break the engine.
func (c *Config) Validate() error {
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("SimilarityThreshold must be in [0,1], got %f", c.SimilarityThreshold)
	}
	if c.ImportanceDecay < 0 || c.ImportanceDecay >= 1 {
		return fmt.Errorf("ImportanceDecay must be in [0,1), got %f", c.ImportanceDecay)
	}
	if c.PruneThreshold < 0 || c.PruneThreshold > 1 {
		return fmt.Errorf("PruneThreshold must be in [0,1], got %f", c.PruneThreshold)
	}
	if c.StaleAfterDays < 1 {
		return fmt.Errorf("StaleAfterDays must be >= 1, got %d", c.StaleAfterDays)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BatchSize must be >= 1, got %d", c.BatchSize)
	}
	if c.MaxMergePerRun < 0 {
		return fmt.Errorf("MaxMergePerRun must be >= 0, got %d", c.MaxMergePerRun)
	}
	if c.MaxPrunePerRun < 0 {
		return fmt.Errorf("MaxPrunePerRun must be >= 0, got %d", c.MaxPrunePerRun)
	}
	if c.CacheKeys < 1 {
		return fmt.Errorf("CacheKeys must be >= 1, got %d", c.CacheKeys)
	}
	if c.CachePerKey < 1 {
		return fmt.Errorf("CachePerKey must be >= 1, got %d", c.CachePerKey)
	}
	return nil
}
