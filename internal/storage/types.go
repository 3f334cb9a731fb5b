// Package storage defines the store contracts the Kennel engine depends
// on, one interface per entity kind. The engine never touches a backend's
// query language, only these signatures and their scoring contract.
package storage

import (
	"errors"
	"time"

	"github.com/kennelworks/kennel/pkg/types"
)

var (
	// ErrNotFound indicates that the requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTerminal indicates an attempted mutation of a trajectory that has
	// already reached a terminal outcome.
	ErrTerminal = errors.New("trajectory already completed")
)

// SearchOptions configures a per-kind relevance query.
type SearchOptions struct {
	// Embedding is the query vector. When nil the backend returns lexical
	// sub-scores only.
	Embedding []float64

	// Kinds restricts matching to the given memory kinds. Empty means all.
	Kinds []types.MemoryKind

	// Limit caps the number of returned candidates (default 10, max 100).
	Limit int
}

// Normalize applies defaults and bounds to the options.
func (o *SearchOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 10
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
}

// ScoredMemory is a memory item with its lexical and vector sub-scores.
// Both scores are in [0.0, 1.0]; a backend without a vector index (or a
// query without an embedding) leaves VectorScore at zero. Blending the two
// is the retriever's job, not the store's.
type ScoredMemory struct {
	Item         types.MemoryItem
	LexicalScore float64
	VectorScore  float64
}

// ScoredLesson is a lesson record with its lexical sub-score.
type ScoredLesson struct {
	Record       types.LessonRecord
	LexicalScore float64
	VectorScore  float64
}

// DecayCriteria selects memories eligible for the decay phase of a
// consolidation run.
type DecayCriteria struct {
	// MinImportance excludes memories already at or below the prune
	// threshold (they are the prune phase's business).
	MinImportance float64

	// MaxAccessCount selects only rarely-touched memories.
	MaxAccessCount int

	// AccessedBefore selects memories whose access reference is older than
	// this instant.
	AccessedBefore time.Time

	// Limit bounds the batch.
	Limit int
}

// MemoryStats summarizes an owner's memory set for health reporting.
type MemoryStats struct {
	Total         int
	LowValue      int // importance at or below the prune threshold
	Stale         int // access reference older than the staleness window
	AvgImportance float64
	ByKind        map[types.MemoryKind]int
}

// TrajectoryStats summarizes stored trajectories for one owner.
type TrajectoryStats struct {
	Total     int
	ByOutcome map[types.Outcome]int
	AvgReward float64
}
