package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kennelworks/kennel/internal/embedding"
	"github.com/kennelworks/kennel/internal/storage"
	"github.com/kennelworks/kennel/pkg/types"
)

const (
	semanticFallbackMin = 3
	findSimilarLimit    = 5
	suggestedPlanSteps  = 10
	replayNudge         = 0.1
)

// ReplayBank records task trajectories and replays the best-matching prior
// successes for a new task.
//
// Two pieces of state are process-local and ephemeral: the success cache
// (highest-reward terminal trajectories per taskType:agentID key) and the
// active-trajectory start times. Completion re-derives duration and outcome
// from the persisted row, so a restart loses only in-flight bookkeeping.
type ReplayBank struct {
	trajectories storage.TrajectoryStore
	embedder     embedding.Provider // nil disables semantic fallback
	cfg          Config

	successCache *lru.Cache[string, []types.Trajectory]

	mu      sync.Mutex
	started map[string]time.Time
}

// NewReplayBank creates a replay bank. embedder may be nil.
func NewReplayBank(trajectories storage.TrajectoryStore, embedder embedding.Provider, cfg Config) (*ReplayBank, error) {
	cache, err := lru.New[string, []types.Trajectory](cfg.CacheKeys)
	if err != nil {
		return nil, fmt.Errorf("replay cache: %w", err)
	}
	return &ReplayBank{
		trajectories: trajectories,
		embedder:     embedder,
		cfg:          cfg,
		successCache: cache,
		started:      make(map[string]time.Time),
	}, nil
}

// Reward derives the reward signal from a terminal outcome and the
// trajectory's error/switch counters. Base reward by outcome (success=φ⁻¹,
// partial=φ⁻², failure=−φ⁻², abandoned=−φ⁻¹) plus a 0.05 bonus each for a
// clean run and for never switching agents, clamped to [−1, φ⁻¹].
func Reward(outcome types.Outcome, errorCount, switchCount int) float64 {
	var base float64
	switch outcome {
	case types.OutcomeSuccess:
		base = PhiInv
	case types.OutcomePartial:
		base = PhiInv2
	case types.OutcomeFailure:
		base = -PhiInv2
	case types.OutcomeAbandoned:
		base = -PhiInv
	default:
		return 0
	}
	if errorCount == 0 {
		base += 0.05
	}
	if switchCount == 0 {
		base += 0.05
	}
	return math.Max(-1, math.Min(PhiInv, base))
}

// SimilarityHash is a stable short hash over (taskType, agentID, outcome),
// used as a coarse grouping key for similar-problem lookups.
func SimilarityHash(taskType, agentID string, outcome types.Outcome) string {
	sum := sha256.Sum256([]byte(taskType + "|" + agentID + "|" + string(outcome)))
	return hex.EncodeToString(sum[:8])
}

// StartOptions describes the task a new trajectory is recording.
type StartOptions struct {
	OwnerID      string
	SessionID    string
	AgentID      string
	TaskType     string
	InitialState types.TaskState
}

// Start creates a pending trajectory and begins tracking its elapsed time.
func (b *ReplayBank) Start(ctx context.Context, opts StartOptions) (*types.Trajectory, error) {
	if opts.OwnerID == "" || opts.TaskType == "" {
		return nil, fmt.Errorf("%w: owner and task type are required", storage.ErrInvalidInput)
	}

	traj := &types.Trajectory{
		ID:             uuid.NewString(),
		OwnerID:        opts.OwnerID,
		SessionID:      opts.SessionID,
		AgentID:        opts.AgentID,
		TaskType:       opts.TaskType,
		InitialState:   opts.InitialState,
		Outcome:        types.OutcomePending,
		SimilarityHash: SimilarityHash(opts.TaskType, opts.AgentID, types.OutcomePending),
		CreatedAt:      time.Now(),
	}
	if err := b.trajectories.Create(ctx, traj); err != nil {
		return nil, fmt.Errorf("start trajectory: %w", err)
	}

	b.mu.Lock()
	b.started[traj.ID] = traj.CreatedAt
	b.mu.Unlock()

	return traj, nil
}

// RecordAction appends an event to a pending trajectory and bumps the tool
// and error counters. Terminal trajectories reject further actions.
func (b *ReplayBank) RecordAction(ctx context.Context, id string, event types.ActionEvent) error {
	traj, err := b.trajectories.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	if traj.Outcome.Terminal() {
		return fmt.Errorf("record action on %s: %w", id, storage.ErrTerminal)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Kind == "" {
		event.Kind = types.KindForTool(event.Tool)
	}

	traj.Actions = append(traj.Actions, event)
	traj.ToolCount++
	if !event.Success {
		traj.ErrorCount++
	}
	if err := b.trajectories.Update(ctx, traj); err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

// RecordSwitch notes a handoff to another agent mid-task.
func (b *ReplayBank) RecordSwitch(ctx context.Context, id, toAgent string) error {
	traj, err := b.trajectories.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("record switch: %w", err)
	}
	if traj.Outcome.Terminal() {
		return fmt.Errorf("record switch on %s: %w", id, storage.ErrTerminal)
	}

	traj.SwitchCount++
	traj.Actions = append(traj.Actions, types.ActionEvent{
		Timestamp: time.Now(),
		Tool:      "switch_agent",
		Kind:      types.ActionSwitch,
		Input:     toAgent,
		Success:   true,
	})
	if toAgent != "" {
		traj.AgentID = toAgent
	}
	if err := b.trajectories.Update(ctx, traj); err != nil {
		return fmt.Errorf("record switch: %w", err)
	}
	return nil
}

// Complete transitions a pending trajectory to a terminal outcome, derives
// its reward, and indexes it for future replay. Completing an already
// terminal trajectory returns ErrTerminal.
func (b *ReplayBank) Complete(ctx context.Context, id string, outcome types.Outcome) (*types.Trajectory, error) {
	if !outcome.Terminal() {
		return nil, fmt.Errorf("%w: %q is not a terminal outcome", storage.ErrInvalidInput, outcome)
	}

	traj, err := b.trajectories.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("complete trajectory: %w", err)
	}
	if traj.Outcome.Terminal() {
		return nil, fmt.Errorf("complete %s: %w", id, storage.ErrTerminal)
	}

	now := time.Now()
	start := traj.CreatedAt
	b.mu.Lock()
	if t, ok := b.started[id]; ok {
		start = t
		delete(b.started, id)
	}
	b.mu.Unlock()

	traj.Outcome = outcome
	traj.Reward = Reward(outcome, traj.ErrorCount, traj.SwitchCount)
	traj.DurationMs = now.Sub(start).Milliseconds()
	traj.SimilarityHash = SimilarityHash(traj.TaskType, traj.AgentID, outcome)
	traj.CompletedAt = &now

	if b.embedder != nil {
		vec, embErr := b.embedder.Embed(ctx, traj.SearchText())
		if embErr != nil {
			log.Printf("replay: embedding failed for trajectory %s, stored without vector: %v", id, embErr)
		} else {
			traj.Embedding = vec
		}
	}

	if err := b.trajectories.Update(ctx, traj); err != nil {
		return nil, fmt.Errorf("complete trajectory: %w", err)
	}

	if outcome == types.OutcomeSuccess {
		b.cacheSuccess(traj)
	}
	return traj, nil
}

func cacheKey(taskType, agentID string) string {
	return taskType + ":" + agentID
}

// cacheSuccess keeps up to CachePerKey highest-reward trajectories per
// taskType:agentID key.
func (b *ReplayBank) cacheSuccess(traj *types.Trajectory) {
	key := cacheKey(traj.TaskType, traj.AgentID)
	entries, _ := b.successCache.Get(key)
	entries = append(entries, *traj)
	slices.SortFunc(entries, func(a, bb types.Trajectory) int {
		if a.Reward > bb.Reward {
			return -1
		}
		if a.Reward < bb.Reward {
			return 1
		}
		return 0
	})
	if len(entries) > b.cfg.CachePerKey {
		entries = entries[:b.cfg.CachePerKey]
	}
	b.successCache.Add(key, entries)
}

// SimilarQuery identifies the task a caller wants precedents for.
type SimilarQuery struct {
	OwnerID  string
	TaskType string
	AgentID  string
}

// FindSimilar unions the success cache, a store query for successful
// trajectories with reward at or above the minimum, and, when the first
// two sources come up short and an embedder is available, a semantic
// fallback over trajectory text. Deduplicated by ID, highest reward first,
// top five returned.
func (b *ReplayBank) FindSimilar(ctx context.Context, q SimilarQuery) ([]types.Trajectory, error) {
	seen := make(map[string]bool)
	var results []types.Trajectory

	if cached, ok := b.successCache.Get(cacheKey(q.TaskType, q.AgentID)); ok {
		for _, t := range cached {
			if !seen[t.ID] {
				seen[t.ID] = true
				results = append(results, t)
			}
		}
	}

	stored, err := b.trajectories.FindSuccessful(ctx, q.OwnerID, q.TaskType, q.AgentID, b.cfg.MinReplayReward, findSimilarLimit)
	if err != nil {
		return nil, fmt.Errorf("find similar: %w", err)
	}
	for _, t := range stored {
		if !seen[t.ID] {
			seen[t.ID] = true
			results = append(results, t)
		}
	}

	if len(results) < semanticFallbackMin && b.embedder != nil {
		queryText := fmt.Sprintf("%s %s success", q.TaskType, q.AgentID)
		vec, embErr := b.embedder.Embed(ctx, queryText)
		if embErr != nil {
			log.Printf("replay: semantic fallback unavailable: %v", embErr)
		} else {
			similar, vsErr := b.trajectories.VectorSearch(ctx, q.OwnerID, vec, findSimilarLimit)
			if vsErr != nil {
				log.Printf("replay: vector search failed: %v", vsErr)
			} else {
				for _, t := range similar {
					if !seen[t.ID] {
						seen[t.ID] = true
						results = append(results, t)
					}
				}
			}
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Reward > results[j].Reward
	})
	if len(results) > findSimilarLimit {
		results = results[:findSimilarLimit]
	}
	return results, nil
}

// ReplaySuggestion is an execution plan distilled from the best-matching
// prior success.
type ReplaySuggestion struct {
	TrajectoryID string   `json:"trajectory_id"`
	TaskType     string   `json:"task_type"`
	AgentID      string   `json:"agent_id,omitempty"`
	Reward       float64  `json:"reward"`
	Confidence   float64  `json:"confidence"`
	Plan         []string `json:"plan"`
}

// ReplaySuggestions distills the best FindSimilar match into an action
// plan. Confidence starts at the match's reward, is nudged ±0.1 by the
// outcome of its last replay, and is capped at φ⁻¹. Returns (nil, nil)
// when no precedent exists. Issuing a suggestion bumps the source
// trajectory's replay count.
func (b *ReplayBank) ReplaySuggestions(ctx context.Context, q SimilarQuery) (*ReplaySuggestion, error) {
	matches, err := b.FindSimilar(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	best := matches[0]

	confidence := best.Reward
	if best.SuccessAfterReplay != nil {
		if *best.SuccessAfterReplay {
			confidence += replayNudge
		} else {
			confidence -= replayNudge
		}
	}
	confidence = clamp01(math.Min(PhiInv, confidence))

	var plan []string
	for _, ev := range best.SuccessfulActions(suggestedPlanSteps) {
		plan = append(plan, ev.Summary())
	}

	if traj, getErr := b.trajectories.Get(ctx, best.ID); getErr == nil {
		traj.ReplayCount++
		traj.Confidence = confidence
		if updErr := b.trajectories.Update(ctx, traj); updErr != nil {
			log.Printf("replay: bookkeeping update failed for %s: %v", best.ID, updErr)
		}
	}

	return &ReplaySuggestion{
		TrajectoryID: best.ID,
		TaskType:     best.TaskType,
		AgentID:      best.AgentID,
		Reward:       best.Reward,
		Confidence:   confidence,
		Plan:         plan,
	}, nil
}

// RecordReplayResult reports whether following a suggested plan worked,
// closing the policy-learning feedback loop.
func (b *ReplayBank) RecordReplayResult(ctx context.Context, id string, success bool) error {
	traj, err := b.trajectories.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("record replay result: %w", err)
	}
	traj.SuccessAfterReplay = &success
	if success {
		traj.Confidence = math.Min(PhiInv, traj.Confidence+replayNudge)
	} else {
		traj.Confidence = math.Max(0, traj.Confidence-replayNudge)
	}
	if err := b.trajectories.Update(ctx, traj); err != nil {
		return fmt.Errorf("record replay result: %w", err)
	}
	return nil
}

// DogStats aggregates one agent's history for a task type.
type DogStats struct {
	AgentID   string  `json:"agent_id"`
	Attempts  int     `json:"attempts"`
	Successes int     `json:"successes"`
	AvgReward float64 `json:"avg_reward"`
}

// DogRecommendation names the agent with the best historical average
// reward for a task type, with the rest ranked as alternatives.
type DogRecommendation struct {
	TaskType     string     `json:"task_type"`
	Recommended  DogStats   `json:"recommended"`
	Alternatives []DogStats `json:"alternatives,omitempty"`
}

// RecommendDog picks the agent ("dog") with the highest average reward
// for the task type from completed trajectory history. Returns (nil, nil)
// when no history exists.
func (b *ReplayBank) RecommendDog(ctx context.Context, ownerID, taskType string) (*DogRecommendation, error) {
	history, err := b.trajectories.FindByTaskType(ctx, ownerID, taskType, b.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("recommend: %w", err)
	}

	byAgent := make(map[string]*DogStats)
	var order []string
	for _, t := range history {
		if !t.Outcome.Terminal() {
			continue
		}
		agent := t.AgentID
		if agent == "" {
			agent = "default"
		}
		s, ok := byAgent[agent]
		if !ok {
			s = &DogStats{AgentID: agent}
			byAgent[agent] = s
			order = append(order, agent)
		}
		s.Attempts++
		if t.Outcome == types.OutcomeSuccess {
			s.Successes++
		}
		// Running average keeps AvgReward correct without a second pass.
		s.AvgReward += (t.Reward - s.AvgReward) / float64(s.Attempts)
	}
	if len(byAgent) == 0 {
		return nil, nil
	}

	ranked := make([]DogStats, 0, len(byAgent))
	for _, agent := range order {
		ranked = append(ranked, *byAgent[agent])
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].AvgReward > ranked[j].AvgReward
	})

	return &DogRecommendation{
		TaskType:     taskType,
		Recommended:  ranked[0],
		Alternatives: ranked[1:],
	}, nil
}
