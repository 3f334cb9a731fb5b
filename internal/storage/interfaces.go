package storage

import (
	"context"
	"time"

	"github.com/kennelworks/kennel/pkg/types"
)

// MemoryStore persists memory items and answers relevance queries over
// them. Search returns lexical and (when an embedding is supplied and the
// backend has vectors) vector sub-scores; combining them is left to the
// retriever so the weighting policy lives in one place.
type MemoryStore interface {
	// Create inserts a new memory item.
	Create(ctx context.Context, item *types.MemoryItem) error

	// Get retrieves a memory by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*types.MemoryItem, error)

	// Update replaces a memory's mutable fields (importance, access
	// tracking, content after a merge). Returns ErrNotFound if absent.
	Update(ctx context.Context, item *types.MemoryItem) error

	// Delete permanently removes a memory. Returns ErrNotFound if absent.
	Delete(ctx context.Context, id string) error

	// Search returns candidates for the query text with per-source
	// sub-scores, best lexical match first.
	Search(ctx context.Context, ownerID, query string, opts SearchOptions) ([]ScoredMemory, error)

	// FindBySession returns an owner's memories for one session, newest
	// first.
	FindBySession(ctx context.Context, ownerID, sessionID string, limit int) ([]types.MemoryItem, error)

	// FindHighImportance returns memories with importance >= min, highest
	// first.
	FindHighImportance(ctx context.Context, ownerID string, min float64, limit int) ([]types.MemoryItem, error)

	// FindRecentEmbedded returns the most recently created memories that
	// carry an embedding, newest first. Feeds the merge phase.
	FindRecentEmbedded(ctx context.Context, ownerID string, limit int) ([]types.MemoryItem, error)

	// FindDecayCandidates returns memories matching the decay criteria.
	FindDecayCandidates(ctx context.Context, ownerID string, c DecayCriteria) ([]types.MemoryItem, error)

	// FindPruneCandidates returns memories with importance <= max, ordered
	// by ascending importance then ascending age.
	FindPruneCandidates(ctx context.Context, ownerID string, max float64, limit int) ([]types.MemoryItem, error)

	// RecordAccess atomically increments access counts and refreshes
	// last_accessed_at for the given IDs. Unknown IDs are ignored.
	RecordAccess(ctx context.Context, ids []string) error

	// Stats summarizes the owner's memory set. lowValueMax and staleBefore
	// parameterize the low-value and stale fractions.
	Stats(ctx context.Context, ownerID string, lowValueMax float64, staleBefore time.Time) (*MemoryStats, error)

	// Close releases any resources held by the store.
	Close() error
}

// DecisionStore persists decision records and their supersede chains.
type DecisionStore interface {
	Create(ctx context.Context, rec *types.DecisionRecord) error
	Get(ctx context.Context, id string) (*types.DecisionRecord, error)

	// FindActiveByProject returns active decisions scoped to projectPath,
	// newest first.
	FindActiveByProject(ctx context.Context, ownerID, projectPath string, limit int) ([]types.DecisionRecord, error)

	// MarkSuperseded flips oldID's status to superseded and links it to
	// newID in a single statement. The old record's content is untouched.
	MarkSuperseded(ctx context.Context, oldID, newID string) error
}

// LessonStore persists lessons learned from past mistakes.
type LessonStore interface {
	Create(ctx context.Context, rec *types.LessonRecord) error
	Get(ctx context.Context, id string) (*types.LessonRecord, error)

	// Search returns lessons relevant to the query text with sub-scores,
	// best first.
	Search(ctx context.Context, ownerID, query string, opts SearchOptions) ([]ScoredLesson, error)

	// FindCritical returns the owner's critical-severity lessons.
	FindCritical(ctx context.Context, ownerID string, limit int) ([]types.LessonRecord, error)

	// IncrementOccurrence atomically bumps the occurrence counter and
	// refreshes last_seen_at. Returns ErrNotFound if absent.
	IncrementOccurrence(ctx context.Context, id string) error
}

// TrajectoryStore persists task trajectories.
type TrajectoryStore interface {
	Create(ctx context.Context, traj *types.Trajectory) error
	Get(ctx context.Context, id string) (*types.Trajectory, error)

	// Update replaces the trajectory row. Implementations must reject
	// (ErrTerminal) any update that would move a terminal record back to
	// pending or to a different terminal outcome.
	Update(ctx context.Context, traj *types.Trajectory) error

	// FindSuccessful returns successful trajectories for the task
	// type/agent pair with reward >= minReward, highest reward first.
	// Empty agentID matches any agent.
	FindSuccessful(ctx context.Context, ownerID, taskType, agentID string, minReward float64, limit int) ([]types.Trajectory, error)

	// FindByTaskType returns all completed trajectories for a task type,
	// newest first. Feeds per-agent policy aggregation.
	FindByTaskType(ctx context.Context, ownerID, taskType string, limit int) ([]types.Trajectory, error)

	// VectorSearch returns completed trajectories ranked by similarity of
	// their stored embedding to the query vector.
	VectorSearch(ctx context.Context, ownerID string, embedding []float64, limit int) ([]types.Trajectory, error)

	// Stats summarizes the owner's trajectories.
	Stats(ctx context.Context, ownerID string) (*TrajectoryStats, error)
}
