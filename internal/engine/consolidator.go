package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/kennelworks/kennel/internal/embedding"
	"github.com/kennelworks/kennel/internal/storage"
	"github.com/kennelworks/kennel/pkg/types"
)

// Consolidator runs the decay → merge → prune lifecycle over an owner's
// memories. Every phase is bounded by a fixed batch size, so one run can
// never scan or mutate an unbounded number of rows. The three phases are
// deliberately not transactional: a phase failure abandons that phase's
// remaining work and is captured in the run result, while earlier phases'
// mutations stand.
type Consolidator struct {
	memories storage.MemoryStore
	embedder embedding.Provider // nil disables the merge phase
	cfg      Config
}

// NewConsolidator creates a consolidator. embedder may be nil, in which
// case merge is skipped every run.
func NewConsolidator(memories storage.MemoryStore, embedder embedding.Provider, cfg Config) *Consolidator {
	return &Consolidator{
		memories: memories,
		embedder: embedder,
		cfg:      cfg,
	}
}

// ConsolidateOptions configures a single consolidation run.
type ConsolidateOptions struct {
	OwnerID string

	// DryRun computes and reports the same selections and counts without
	// performing any mutation.
	DryRun bool
}

// MergePair reports one merge performed (or planned, under dry run).
type MergePair struct {
	PrimaryID   string  `json:"primary_id"`
	SecondaryID string  `json:"secondary_id"`
	Similarity  float64 `json:"similarity"`
}

// ConsolidationResult reports what a run did (or would do, under dry run).
// Phase errors are captured here, never returned to the caller.
type ConsolidationResult struct {
	OwnerID string `json:"owner_id"`
	DryRun  bool   `json:"dry_run"`

	Decayed int `json:"decayed"`
	Merged  int `json:"merged"`
	Pruned  int `json:"pruned"`

	MergePairs []MergePair `json:"merge_pairs,omitempty"`
	PrunedIDs  []string    `json:"pruned_ids,omitempty"`

	// MergeSkipped is set when no embedding provider is configured.
	MergeSkipped bool `json:"merge_skipped,omitempty"`

	Errors []string `json:"errors,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Consolidate runs the three lifecycle phases in sequence. Callers must
// serialize runs against the same owner; this layer does not provide
// cross-process mutual exclusion.
func (c *Consolidator) Consolidate(ctx context.Context, opts ConsolidateOptions) *ConsolidationResult {
	result := &ConsolidationResult{
		OwnerID:   opts.OwnerID,
		DryRun:    opts.DryRun,
		StartedAt: time.Now(),
	}

	c.decayPhase(ctx, opts, result)
	c.mergePhase(ctx, opts, result)
	c.prunePhase(ctx, opts, result)

	result.FinishedAt = time.Now()
	log.Printf("consolidator: owner=%s dryRun=%v decayed=%d merged=%d pruned=%d errors=%d",
		opts.OwnerID, opts.DryRun, result.Decayed, result.Merged, result.Pruned, len(result.Errors))
	return result
}

// decayPhase lowers the importance of stale, rarely-accessed memories:
//
//	new = max(pruneThreshold, importance × (1 − decayRate))
//
// Decay never pushes a memory below the prune threshold; crossing that
// line is the prune phase's decision alone.
func (c *Consolidator) decayPhase(ctx context.Context, opts ConsolidateOptions, result *ConsolidationResult) {
	cutoff := time.Now().AddDate(0, 0, -c.cfg.StaleAfterDays)
	candidates, err := c.memories.FindDecayCandidates(ctx, opts.OwnerID, storage.DecayCriteria{
		MinImportance:  c.cfg.PruneThreshold,
		MaxAccessCount: c.cfg.DecayMaxAccess,
		AccessedBefore: cutoff,
		Limit:          c.cfg.BatchSize,
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("decay: %v", err))
		return
	}

	for i := range candidates {
		item := candidates[i]
		item.Importance = math.Max(c.cfg.PruneThreshold, item.Importance*(1-c.cfg.ImportanceDecay))
		item.ClampImportance()

		if !opts.DryRun {
			if err := c.memories.Update(ctx, &item); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("decay update %s: %v", item.ID, err))
				return
			}
		}
		result.Decayed++
	}
}

// mergePhase folds near-duplicate memories together. Among the most
// recently created embedded memories, every pair sharing owner and kind is
// compared; pairs at or above the similarity threshold merge the
// later-indexed item into the earlier one. Pair order is scan order, not
// similarity-ranked, and an ID that has participated in a merge is never
// merged again within the run.
func (c *Consolidator) mergePhase(ctx context.Context, opts ConsolidateOptions, result *ConsolidationResult) {
	if c.embedder == nil {
		result.MergeSkipped = true
		return
	}

	candidates, err := c.memories.FindRecentEmbedded(ctx, opts.OwnerID, c.cfg.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("merge: %v", err))
		return
	}

	consumed := make(map[string]bool)
	for i := 0; i < len(candidates) && result.Merged < c.cfg.MaxMergePerRun; i++ {
		primary := candidates[i]
		if consumed[primary.ID] {
			continue
		}
		for j := i + 1; j < len(candidates) && result.Merged < c.cfg.MaxMergePerRun; j++ {
			secondary := candidates[j]
			if consumed[primary.ID] || consumed[secondary.ID] {
				continue
			}
			if primary.Kind != secondary.Kind {
				continue
			}

			sim := embedding.CosineSimilarity(primary.Embedding, secondary.Embedding)
			if sim < c.cfg.SimilarityThreshold {
				continue
			}

			if !opts.DryRun {
				if err := c.merge(ctx, &primary, &secondary); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("merge %s <- %s: %v", primary.ID, secondary.ID, err))
					return
				}
			}

			consumed[primary.ID] = true
			consumed[secondary.ID] = true
			result.Merged++
			result.MergePairs = append(result.MergePairs, MergePair{
				PrimaryID:   primary.ID,
				SecondaryID: secondary.ID,
				Similarity:  sim,
			})
		}
	}
}

// merge folds secondary into primary and deletes secondary. Importances
// combine as min(1, primary + secondary×φ⁻²), access counts sum, and
// content concatenates only when textually different.
func (c *Consolidator) merge(ctx context.Context, primary, secondary *types.MemoryItem) error {
	primary.Importance = math.Min(1, primary.Importance+secondary.Importance*PhiInv2)
	primary.AccessCount += secondary.AccessCount
	if primary.Content != secondary.Content {
		primary.Content = primary.Content + "\n\n" + secondary.Content
	}
	if secondary.LastAccessedAt != nil {
		if primary.LastAccessedAt == nil || secondary.LastAccessedAt.After(*primary.LastAccessedAt) {
			primary.LastAccessedAt = secondary.LastAccessedAt
		}
	}

	if err := c.memories.Update(ctx, primary); err != nil {
		return fmt.Errorf("update primary: %w", err)
	}
	if err := c.memories.Delete(ctx, secondary.ID); err != nil {
		return fmt.Errorf("delete secondary: %w", err)
	}
	return nil
}

// prunePhase deletes memories at or below the prune threshold, weakest
// and youngest first, capped per run.
func (c *Consolidator) prunePhase(ctx context.Context, opts ConsolidateOptions, result *ConsolidationResult) {
	if c.cfg.MaxPrunePerRun <= 0 {
		return
	}
	candidates, err := c.memories.FindPruneCandidates(ctx, opts.OwnerID, c.cfg.PruneThreshold, c.cfg.MaxPrunePerRun)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("prune: %v", err))
		return
	}

	for i := range candidates {
		if !opts.DryRun {
			if err := c.memories.Delete(ctx, candidates[i].ID); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("prune delete %s: %v", candidates[i].ID, err))
				return
			}
		}
		result.Pruned++
		result.PrunedIDs = append(result.PrunedIDs, candidates[i].ID)
	}
}

// CalculateImportance scores an item independently of its stored
// importance field, for re-ranking:
//
//	base×φ⁻¹ + access×φ⁻² + recency×φ⁻³ + density×(1−φ⁻¹−φ⁻²−φ⁻³)
//
// The φ weights sum to more than one, so the density term's weight is
// negative: long content slightly discounts the composite. The result is
// clamped to [0, 1].
func (c *Consolidator) CalculateImportance(item *types.MemoryItem, now time.Time) float64 {
	accessFactor := math.Min(1, math.Log10(float64(item.AccessCount)+1)/2)

	days := now.Sub(item.AccessReference()).Hours() / 24
	if days < 0 {
		days = 0
	}
	recencyFactor := math.Exp(-days / float64(c.cfg.StaleAfterDays))

	densityFactor := math.Min(1, float64(len(item.Content))/1000)

	densityWeight := 1 - PhiInv - PhiInv2 - PhiInv3

	score := item.Importance*PhiInv +
		accessFactor*PhiInv2 +
		recencyFactor*PhiInv3 +
		densityFactor*densityWeight

	return clamp01(score)
}

// HealthMetrics summarizes the condition of an owner's memory set.
type HealthMetrics struct {
	Total         int     `json:"total"`
	LowValue      int     `json:"low_value"`
	Stale         int     `json:"stale"`
	LowValueRatio float64 `json:"low_value_ratio"`
	StaleRatio    float64 `json:"stale_ratio"`
	AvgImportance float64 `json:"avg_importance"`

	// HealthScore = 1 − (lowValueRatio×φ⁻¹ + staleRatio×φ⁻²), in [0, 1].
	HealthScore float64 `json:"health_score"`
}

// GetHealthMetrics computes the owner's memory health score.
func (c *Consolidator) GetHealthMetrics(ctx context.Context, ownerID string) (*HealthMetrics, error) {
	staleBefore := time.Now().AddDate(0, 0, -c.cfg.StaleAfterDays)
	stats, err := c.memories.Stats(ctx, ownerID, c.cfg.PruneThreshold, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("health metrics: %w", err)
	}

	m := &HealthMetrics{
		Total:         stats.Total,
		LowValue:      stats.LowValue,
		Stale:         stats.Stale,
		AvgImportance: stats.AvgImportance,
	}
	if stats.Total > 0 {
		m.LowValueRatio = float64(stats.LowValue) / float64(stats.Total)
		m.StaleRatio = float64(stats.Stale) / float64(stats.Total)
	}
	m.HealthScore = clamp01(1 - (m.LowValueRatio*PhiInv + m.StaleRatio*PhiInv2))
	return m, nil
}
