package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kennelworks/kennel/internal/embedding"
	"github.com/kennelworks/kennel/internal/storage"
	"github.com/kennelworks/kennel/pkg/types"
)

// Event types emitted to the notifier.
const (
	EventMemoryCreated         = "memory_created"
	EventConsolidationComplete = "consolidation_complete"
	EventTrajectoryCompleted   = "trajectory_completed"
)

// Notifier receives engine lifecycle events for cross-process observers.
// Delivery is best-effort; errors are logged, never surfaced.
type Notifier interface {
	Notify(eventType, subjectID string) error
}

// Deps are the collaborators an Engine is assembled from. The four stores
// are required; Embedder and Notifier are optional.
type Deps struct {
	Memories     storage.MemoryStore
	Decisions    storage.DecisionStore
	Lessons      storage.LessonStore
	Trajectories storage.TrajectoryStore
	Embedder     embedding.Provider
	Notifier     Notifier
}

// Engine is the facade over the retriever, consolidator, and replay bank.
// It owns write-path embedding (best-effort) and event notification.
type Engine struct {
	memories     storage.MemoryStore
	decisions    storage.DecisionStore
	lessons      storage.LessonStore
	trajectories storage.TrajectoryStore
	embedder     embedding.Provider
	notifier     Notifier

	retriever    *Retriever
	consolidator *Consolidator
	replay       *ReplayBank

	cfg Config
}

// New assembles an engine. A missing store is a construction error, not a
// degraded mode; a nil embedder is the documented lexical-only mode.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Memories == nil || deps.Decisions == nil || deps.Lessons == nil || deps.Trajectories == nil {
		return nil, fmt.Errorf("engine: all four stores are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	replay, err := NewReplayBank(deps.Trajectories, deps.Embedder, cfg)
	if err != nil {
		return nil, err
	}

	return &Engine{
		memories:     deps.Memories,
		decisions:    deps.Decisions,
		lessons:      deps.Lessons,
		trajectories: deps.Trajectories,
		embedder:     deps.Embedder,
		notifier:     deps.Notifier,
		retriever:    NewRetriever(deps.Memories, deps.Lessons, deps.Decisions, deps.Embedder, cfg),
		consolidator: NewConsolidator(deps.Memories, deps.Embedder, cfg),
		replay:       replay,
		cfg:          cfg,
	}, nil
}

// Close releases store resources.
func (e *Engine) Close() error {
	return e.memories.Close()
}

func (e *Engine) notify(eventType, subjectID string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(eventType, subjectID); err != nil {
		log.Printf("engine: notify %s failed: %v", eventType, err)
	}
}

// embedText returns a vector for text, or nil when no provider is
// configured or the provider fails. Write paths always succeed without a
// vector; the item is simply invisible to semantic scoring until
// re-embedded.
func (e *Engine) embedText(ctx context.Context, text string) []float64 {
	if e.embedder == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		log.Printf("engine: embedding failed, storing without vector: %v", err)
		return nil
	}
	return vec
}

// RememberOptions describes a new memory.
type RememberOptions struct {
	OwnerID    string
	SessionID  string
	Kind       types.MemoryKind
	Content    string
	Importance float64
}

// Remember stores a new memory item, embedding its content best-effort.
func (e *Engine) Remember(ctx context.Context, opts RememberOptions) (*types.MemoryItem, error) {
	if opts.OwnerID == "" || strings.TrimSpace(opts.Content) == "" {
		return nil, fmt.Errorf("%w: owner and content are required", storage.ErrInvalidInput)
	}
	if opts.Kind == "" {
		opts.Kind = types.KindInsight
	}
	if !opts.Kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown memory kind %q", storage.ErrInvalidInput, opts.Kind)
	}

	now := time.Now()
	item := &types.MemoryItem{
		ID:         uuid.NewString(),
		OwnerID:    opts.OwnerID,
		SessionID:  opts.SessionID,
		Kind:       opts.Kind,
		Content:    opts.Content,
		Embedding:  e.embedText(ctx, opts.Content),
		Importance: opts.Importance,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if item.Importance == 0 {
		item.Importance = 0.5
	}
	item.ClampImportance()

	if err := e.memories.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("remember: %w", err)
	}
	e.notify(EventMemoryCreated, item.ID)
	return item, nil
}

// Recall retrieves the owner's memories most relevant to the query.
func (e *Engine) Recall(ctx context.Context, ownerID, query string, opts SearchOptions) ([]SearchResult, error) {
	return e.retriever.Search(ctx, ownerID, query, opts)
}

// Context assembles the situational bundle for a task.
func (e *Engine) Context(ctx context.Context, ownerID string, req ContextRequest) (*ContextBundle, error) {
	return e.retriever.RelevantContext(ctx, ownerID, req)
}

// CheckMistakes warns when the given context resembles a recorded mistake.
func (e *Engine) CheckMistakes(ctx context.Context, ownerID, contextText string) (*MistakeWarning, error) {
	return e.retriever.CheckForMistakes(ctx, ownerID, contextText)
}

// PriorSessions ranks past sessions by relevance to the query.
func (e *Engine) PriorSessions(ctx context.Context, ownerID, currentSessionID, query string, topN int) ([]SessionRecall, error) {
	return e.retriever.PriorSessions(ctx, ownerID, currentSessionID, query, topN)
}

// DecisionInput describes a decision to record.
type DecisionInput struct {
	OwnerID      string
	SessionID    string
	ProjectPath  string
	Title        string
	Description  string
	Rationale    string
	Alternatives []string
}

// RecordDecision stores an active decision record.
func (e *Engine) RecordDecision(ctx context.Context, in DecisionInput) (*types.DecisionRecord, error) {
	if in.OwnerID == "" || strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("%w: owner and title are required", storage.ErrInvalidInput)
	}

	now := time.Now()
	rec := &types.DecisionRecord{
		ID:           uuid.NewString(),
		OwnerID:      in.OwnerID,
		SessionID:    in.SessionID,
		ProjectPath:  in.ProjectPath,
		Title:        in.Title,
		Description:  in.Description,
		Rationale:    in.Rationale,
		Alternatives: in.Alternatives,
		Status:       types.DecisionActive,
		Embedding:    e.embedText(ctx, strings.Join([]string{in.Title, in.Description, in.Rationale}, " ")),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.decisions.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("record decision: %w", err)
	}
	return rec, nil
}

// SupersedeDecision records a replacement decision and links the old one
// to it. The superseded record keeps its content for audit; only its
// status and link change.
func (e *Engine) SupersedeDecision(ctx context.Context, oldID string, in DecisionInput) (*types.DecisionRecord, error) {
	old, err := e.decisions.Get(ctx, oldID)
	if err != nil {
		return nil, fmt.Errorf("supersede decision: %w", err)
	}
	if in.ProjectPath == "" {
		in.ProjectPath = old.ProjectPath
	}

	replacement, err := e.RecordDecision(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := e.decisions.MarkSuperseded(ctx, oldID, replacement.ID); err != nil {
		return nil, fmt.Errorf("supersede decision: %w", err)
	}
	return replacement, nil
}

// LessonInput describes a mistake worth not repeating.
type LessonInput struct {
	OwnerID    string
	SessionID  string
	Mistake    string
	Correction string
	Prevention string
	Severity   types.LessonSeverity
}

// RecordLesson stores a lesson learned from a mistake.
func (e *Engine) RecordLesson(ctx context.Context, in LessonInput) (*types.LessonRecord, error) {
	if in.OwnerID == "" || strings.TrimSpace(in.Mistake) == "" {
		return nil, fmt.Errorf("%w: owner and mistake are required", storage.ErrInvalidInput)
	}
	if in.Severity == "" {
		in.Severity = types.SeverityMedium
	}

	now := time.Now()
	rec := &types.LessonRecord{
		ID:          uuid.NewString(),
		OwnerID:     in.OwnerID,
		SessionID:   in.SessionID,
		Mistake:     in.Mistake,
		Correction:  in.Correction,
		Prevention:  in.Prevention,
		Severity:    in.Severity,
		Occurrences: 1,
		LastSeenAt:  &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rec.Embedding = e.embedText(ctx, rec.Text())

	if err := e.lessons.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("record lesson: %w", err)
	}
	return rec, nil
}

// Consolidate runs one decay → merge → prune pass for the owner.
func (e *Engine) Consolidate(ctx context.Context, opts ConsolidateOptions) *ConsolidationResult {
	result := e.consolidator.Consolidate(ctx, opts)
	if !opts.DryRun {
		e.notify(EventConsolidationComplete, opts.OwnerID)
	}
	return result
}

// MemoryHealth reports the owner's memory health metrics.
func (e *Engine) MemoryHealth(ctx context.Context, ownerID string) (*HealthMetrics, error) {
	return e.consolidator.GetHealthMetrics(ctx, ownerID)
}

// ScoreImportance re-scores an item independently of its stored
// importance.
func (e *Engine) ScoreImportance(item *types.MemoryItem) float64 {
	return e.consolidator.CalculateImportance(item, time.Now())
}

// StartTrajectory begins recording a task.
func (e *Engine) StartTrajectory(ctx context.Context, opts StartOptions) (*types.Trajectory, error) {
	return e.replay.Start(ctx, opts)
}

// RecordAction appends an action event to a pending trajectory.
func (e *Engine) RecordAction(ctx context.Context, trajectoryID string, event types.ActionEvent) error {
	return e.replay.RecordAction(ctx, trajectoryID, event)
}

// RecordSwitch notes an agent handoff on a pending trajectory.
func (e *Engine) RecordSwitch(ctx context.Context, trajectoryID, toAgent string) error {
	return e.replay.RecordSwitch(ctx, trajectoryID, toAgent)
}

// CompleteTrajectory transitions a trajectory to a terminal outcome.
func (e *Engine) CompleteTrajectory(ctx context.Context, trajectoryID string, outcome types.Outcome) (*types.Trajectory, error) {
	traj, err := e.replay.Complete(ctx, trajectoryID, outcome)
	if err != nil {
		return nil, err
	}
	e.notify(EventTrajectoryCompleted, traj.ID)
	return traj, nil
}

// FindSimilarTrajectories returns the best prior matches for a task.
func (e *Engine) FindSimilarTrajectories(ctx context.Context, q SimilarQuery) ([]types.Trajectory, error) {
	return e.replay.FindSimilar(ctx, q)
}

// ReplaySuggestions distills the best prior success into an action plan.
func (e *Engine) ReplaySuggestions(ctx context.Context, q SimilarQuery) (*ReplaySuggestion, error) {
	return e.replay.ReplaySuggestions(ctx, q)
}

// RecordReplayResult reports whether a suggested plan worked.
func (e *Engine) RecordReplayResult(ctx context.Context, trajectoryID string, success bool) error {
	return e.replay.RecordReplayResult(ctx, trajectoryID, success)
}

// RecommendDog picks the best historical agent for a task type.
func (e *Engine) RecommendDog(ctx context.Context, ownerID, taskType string) (*DogRecommendation, error) {
	return e.replay.RecommendDog(ctx, ownerID, taskType)
}
