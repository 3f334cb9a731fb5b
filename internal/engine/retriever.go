package engine

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"

	"github.com/kennelworks/kennel/internal/embedding"
	"github.com/kennelworks/kennel/internal/storage"
	"github.com/kennelworks/kennel/pkg/types"
)

// highImportanceFloor marks memories that a context bundle must always
// carry, regardless of query relevance.
const highImportanceFloor = 0.7

// occurrenceBumpScore is the relevance a lesson must exceed before its
// occurrence counter is bumped by a mistake check.
const occurrenceBumpScore = 0.5

// Retriever answers "what is relevant" queries across memory kinds by
// blending lexical and vector sub-scores:
//
//	combined = lexical×φ⁻² + vector×φ⁻¹
//
// The two weights sum to exactly 1. When no embedding is available the
// vector term is zero and the retriever runs in a documented degraded
// lexical-only mode; that is a configuration, not an error.
type Retriever struct {
	memories  storage.MemoryStore
	lessons   storage.LessonStore
	decisions storage.DecisionStore
	embedder  embedding.Provider // nil means lexical-only
	cfg       Config
}

// NewRetriever creates a retriever over the given stores. embedder may be
// nil.
func NewRetriever(memories storage.MemoryStore, lessons storage.LessonStore, decisions storage.DecisionStore, embedder embedding.Provider, cfg Config) *Retriever {
	return &Retriever{
		memories:  memories,
		lessons:   lessons,
		decisions: decisions,
		embedder:  embedder,
		cfg:       cfg,
	}
}

// SearchOptions configures a retrieval query.
type SearchOptions struct {
	// EmbeddingOptIn enables semantic scoring for this query. Without it
	// (or without a configured provider) scoring is lexical-only.
	EmbeddingOptIn bool

	// Kinds restricts results to the given memory kinds. Empty means all.
	Kinds []types.MemoryKind

	// Limit caps the result count (default 10).
	Limit int

	// MinRelevance overrides the configured score floor when > 0.
	MinRelevance float64
}

// SearchResult is a memory with its blended relevance score.
type SearchResult struct {
	Item         types.MemoryItem
	Score        float64
	LexicalScore float64
	VectorScore  float64
}

// Search retrieves the owner's memories most relevant to the query text.
// One store query is issued per requested kind, in parallel. Access to the
// returned items is recorded as a side effect of the read.
func (r *Retriever) Search(ctx context.Context, ownerID, query string, opts SearchOptions) ([]SearchResult, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner ID is required", storage.ErrInvalidInput)
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	minRelevance := opts.MinRelevance
	if minRelevance <= 0 {
		minRelevance = r.cfg.MinRelevance
	}

	queryVec := r.queryEmbedding(ctx, query, opts.EmbeddingOptIn)

	scored, err := r.searchKinds(ctx, ownerID, query, queryVec, opts)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, sm := range scored {
		combined := sm.LexicalScore*PhiInv2 + sm.VectorScore*PhiInv
		if combined < minRelevance {
			continue
		}
		results = append(results, SearchResult{
			Item:         sm.Item,
			Score:        combined,
			LexicalScore: sm.LexicalScore,
			VectorScore:  sm.VectorScore,
		})
	}

	slices.SortFunc(results, func(a, b SearchResult) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return 0
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	r.recordAccess(ctx, results)

	return results, nil
}

// searchKinds fans one store query out per requested kind and merges the
// candidates. With no kind filter a single query covers all kinds.
func (r *Retriever) searchKinds(ctx context.Context, ownerID, query string, queryVec []float64, opts SearchOptions) ([]storage.ScoredMemory, error) {
	storeOpts := func(kinds []types.MemoryKind) storage.SearchOptions {
		return storage.SearchOptions{
			Embedding: queryVec,
			Kinds:     kinds,
			Limit:     opts.Limit,
		}
	}

	if len(opts.Kinds) <= 1 {
		return r.memories.Search(ctx, ownerID, query, storeOpts(opts.Kinds))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		merged   []storage.ScoredMemory
		firstErr error
	)
	for _, kind := range opts.Kinds {
		wg.Add(1)
		go func(kind types.MemoryKind) {
			defer wg.Done()
			part, err := r.memories.Search(ctx, ownerID, query, storeOpts([]types.MemoryKind{kind}))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			merged = append(merged, part...)
		}(kind)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return merged, nil
}

// queryEmbedding returns the query vector, or nil when embeddings are
// disabled, unconfigured, or the provider fails. A provider failure
// degrades to lexical-only scoring and is logged, never surfaced.
func (r *Retriever) queryEmbedding(ctx context.Context, query string, optIn bool) []float64 {
	if !optIn || r.embedder == nil || strings.TrimSpace(query) == "" {
		return nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("retriever: embedding failed, falling back to lexical-only: %v", err)
		return nil
	}
	return vec
}

// recordAccess bumps access tracking for returned items. Failures are
// logged only; a read must never fail because its side effect did.
func (r *Retriever) recordAccess(ctx context.Context, results []SearchResult) {
	if len(results) == 0 {
		return
	}
	ids := make([]string, len(results))
	for i := range results {
		ids[i] = results[i].Item.ID
	}
	if err := r.memories.RecordAccess(ctx, ids); err != nil {
		log.Printf("retriever: failed to record access for %d items: %v", len(ids), err)
	}
}

// ContextRequest describes the situation a context bundle is built for.
type ContextRequest struct {
	ProjectPath  string
	RecentTopics []string
	CurrentTask  string

	// SessionID is the current session, excluded from cross-session
	// grouping.
	SessionID string
}

// LessonResult is a lesson with its blended relevance score.
type LessonResult struct {
	Record       types.LessonRecord
	Score        float64
	LexicalScore float64
	VectorScore  float64
}

// ContextBundle is the situational context assembled for a task. The
// ActiveDecisions, CriticalLessons, and HighImportance lists are included
// unconditionally: they are must-not-forget state regardless of how well
// they match the query.
type ContextBundle struct {
	Query           string
	Memories        []SearchResult
	Lessons         []LessonResult
	ActiveDecisions []types.DecisionRecord
	CriticalLessons []types.LessonRecord
	HighImportance  []types.MemoryItem
}

// RelevantContext builds a context bundle for the request: a relevance
// search over memories and lessons for the task/topic query, plus the
// unconditional must-not-forget sets.
func (r *Retriever) RelevantContext(ctx context.Context, ownerID string, req ContextRequest) (*ContextBundle, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner ID is required", storage.ErrInvalidInput)
	}

	var parts []string
	if req.CurrentTask != "" {
		parts = append(parts, req.CurrentTask)
	}
	parts = append(parts, req.RecentTopics...)
	query := strings.Join(parts, " ")

	bundle := &ContextBundle{Query: query}

	if query != "" {
		memories, err := r.Search(ctx, ownerID, query, SearchOptions{EmbeddingOptIn: true, Limit: 10})
		if err != nil {
			return nil, fmt.Errorf("context memory search: %w", err)
		}
		bundle.Memories = memories

		lessons, err := r.SearchLessons(ctx, ownerID, query, 5)
		if err != nil {
			return nil, fmt.Errorf("context lesson search: %w", err)
		}
		bundle.Lessons = lessons
	}

	if req.ProjectPath != "" {
		decisions, err := r.decisions.FindActiveByProject(ctx, ownerID, req.ProjectPath, 10)
		if err != nil {
			return nil, fmt.Errorf("context decisions: %w", err)
		}
		bundle.ActiveDecisions = decisions
	}

	critical, err := r.lessons.FindCritical(ctx, ownerID, 10)
	if err != nil {
		return nil, fmt.Errorf("context critical lessons: %w", err)
	}
	bundle.CriticalLessons = critical

	important, err := r.memories.FindHighImportance(ctx, ownerID, highImportanceFloor, 10)
	if err != nil {
		return nil, fmt.Errorf("context high-importance memories: %w", err)
	}
	bundle.HighImportance = important

	return bundle, nil
}

// SearchLessons retrieves lessons relevant to the query text, scored with
// the same lexical/vector blend as memories.
func (r *Retriever) SearchLessons(ctx context.Context, ownerID, query string, limit int) ([]LessonResult, error) {
	if limit <= 0 {
		limit = 10
	}
	queryVec := r.queryEmbedding(ctx, query, true)

	scored, err := r.lessons.Search(ctx, ownerID, query, storage.SearchOptions{
		Embedding: queryVec,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}

	var results []LessonResult
	for _, sl := range scored {
		results = append(results, LessonResult{
			Record:       sl.Record,
			Score:        sl.LexicalScore*PhiInv2 + sl.VectorScore*PhiInv,
			LexicalScore: sl.LexicalScore,
			VectorScore:  sl.VectorScore,
		})
	}
	slices.SortFunc(results, func(a, b LessonResult) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return 0
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// MistakeWarning flags that the current context resembles a past mistake.
type MistakeWarning struct {
	Lesson  types.LessonRecord
	Score   float64
	Related []types.LessonRecord
	Message string
}

// CheckForMistakes searches the owner's lessons for the given context
// text. A lesson is relevant when its blended score exceeds the relevance
// floor, or when its severity is high/critical; severity overrides a low
// textual score. When the top lesson scores above occurrenceBumpScore its
// occurrence counter is incremented; that is how repeated-mistake
// frequency is tracked. Returns nil when no relevant lesson exists.
func (r *Retriever) CheckForMistakes(ctx context.Context, ownerID, contextText string) (*MistakeWarning, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner ID is required", storage.ErrInvalidInput)
	}

	results, err := r.SearchLessons(ctx, ownerID, contextText, 10)
	if err != nil {
		return nil, err
	}

	var relevant []LessonResult
	for _, lr := range results {
		if lr.Score > r.cfg.MinRelevance || lr.Record.Severity.Overrides() {
			relevant = append(relevant, lr)
		}
	}
	if len(relevant) == 0 {
		return nil, nil
	}

	top := relevant[0]
	if top.Score > occurrenceBumpScore {
		if err := r.lessons.IncrementOccurrence(ctx, top.Record.ID); err != nil {
			log.Printf("retriever: failed to bump lesson occurrence %s: %v", top.Record.ID, err)
		}
	}

	warning := &MistakeWarning{
		Lesson: top.Record,
		Score:  top.Score,
		Message: fmt.Sprintf("similar mistake seen before (%s severity): %s",
			top.Record.Severity, top.Record.Mistake),
	}
	for _, lr := range relevant[1:] {
		warning.Related = append(warning.Related, lr.Record)
	}
	return warning, nil
}

// SessionRecall is a prior session ranked by how strongly its memories
// match a query.
type SessionRecall struct {
	SessionID string
	Score     float64
	Memories  []types.MemoryItem
}

// PriorSessions answers "what did we do last time on this" without a
// dedicated session index: it searches memories for the query, groups the
// hits by session (excluding the current one), ranks sessions by the sum
// of each hit's blended score and importance, and returns the top N.
func (r *Retriever) PriorSessions(ctx context.Context, ownerID, currentSessionID, query string, topN int) ([]SessionRecall, error) {
	if topN <= 0 {
		topN = 3
	}

	results, err := r.Search(ctx, ownerID, query, SearchOptions{EmbeddingOptIn: true, Limit: 50})
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*SessionRecall)
	for _, res := range results {
		sid := res.Item.SessionID
		if sid == "" || sid == currentSessionID {
			continue
		}
		g, ok := groups[sid]
		if !ok {
			g = &SessionRecall{SessionID: sid}
			groups[sid] = g
		}
		g.Score += res.Score + res.Item.Importance
		g.Memories = append(g.Memories, res.Item)
	}

	recalls := make([]SessionRecall, 0, len(groups))
	for _, g := range groups {
		recalls = append(recalls, *g)
	}
	slices.SortFunc(recalls, func(a, b SessionRecall) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return 0
	})
	if len(recalls) > topN {
		recalls = recalls[:topN]
	}
	return recalls, nil
}
