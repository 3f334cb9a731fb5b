package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennelworks/kennel/internal/embedding"
	"github.com/kennelworks/kennel/internal/storage"
	"github.com/kennelworks/kennel/pkg/types"
)

func newTestReplayBank(t *testing.T, trajs *fakeTrajectoryStore, embedder *fakeEmbedder) *ReplayBank {
	t.Helper()
	var provider embedding.Provider
	if embedder != nil {
		provider = embedder
	}
	b, err := NewReplayBank(trajs, provider, DefaultConfig())
	require.NoError(t, err)
	return b
}

func TestRewardTable(t *testing.T) {
	tests := []struct {
		name     string
		outcome  types.Outcome
		errors   int
		switches int
		want     float64
	}{
		{"clean success clamps at phi inverse", types.OutcomeSuccess, 0, 0, PhiInv},
		{"success with errors clamps at phi inverse", types.OutcomeSuccess, 2, 0, PhiInv},
		{"success with errors and switches", types.OutcomeSuccess, 2, 1, PhiInv},
		{"clean partial", types.OutcomePartial, 0, 0, PhiInv2 + 0.1},
		{"failure with errors and switches", types.OutcomeFailure, 3, 2, -PhiInv2},
		{"failure clean run", types.OutcomeFailure, 0, 0, -PhiInv2 + 0.1},
		{"abandoned", types.OutcomeAbandoned, 1, 1, -PhiInv},
		{"abandoned clean", types.OutcomeAbandoned, 0, 0, -PhiInv + 0.1},
		{"pending has no reward", types.OutcomePending, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reward(tt.outcome, tt.errors, tt.switches)
			assert.InDelta(t, tt.want, got, 1e-12)
			assert.LessOrEqual(t, got, PhiInv)
			assert.GreaterOrEqual(t, got, -1.0)
		})
	}
}

func TestRewardCleanSuccessIsExactlyPhiInv(t *testing.T) {
	// min(φ⁻¹, φ⁻¹+0.1) must bind at the upper clamp, not approximate it.
	assert.Equal(t, PhiInv, Reward(types.OutcomeSuccess, 0, 0))
}

func TestSimilarityHashStable(t *testing.T) {
	a := SimilarityHash("exploration", "scout", types.OutcomeSuccess)
	b := SimilarityHash("exploration", "scout", types.OutcomeSuccess)
	c := SimilarityHash("exploration", "scout", types.OutcomeFailure)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestTrajectoryLifecycle(t *testing.T) {
	trajs := newFakeTrajectoryStore()
	b := newTestReplayBank(t, trajs, nil)
	ctx := context.Background()

	traj, err := b.Start(ctx, StartOptions{
		OwnerID:  "owner",
		AgentID:  "scout",
		TaskType: "exploration",
		InitialState: types.TaskState{
			Description: "map the unknown module",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomePending, traj.Outcome)

	require.NoError(t, b.RecordAction(ctx, traj.ID, types.ActionEvent{
		Tool: "read", Input: "cmd/main.go", Success: true,
	}))
	require.NoError(t, b.RecordAction(ctx, traj.ID, types.ActionEvent{
		Tool: "bash", Input: "grep -r TODO", Success: false,
	}))
	require.NoError(t, b.RecordSwitch(ctx, traj.ID, "builder"))

	done, err := b.Complete(ctx, traj.ID, types.OutcomeSuccess)
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeSuccess, done.Outcome)
	assert.Equal(t, 2, done.ToolCount)
	assert.Equal(t, 1, done.ErrorCount)
	assert.Equal(t, 1, done.SwitchCount)
	assert.Equal(t, "builder", done.AgentID)
	// success base φ⁻¹, no clean bonuses
	assert.InDelta(t, PhiInv, done.Reward, 1e-12)
	assert.NotNil(t, done.CompletedAt)
	assert.GreaterOrEqual(t, done.DurationMs, int64(0))
	assert.Equal(t, SimilarityHash("exploration", "builder", types.OutcomeSuccess), done.SimilarityHash)
}

func TestTerminalTrajectoryIsReadOnly(t *testing.T) {
	trajs := newFakeTrajectoryStore()
	b := newTestReplayBank(t, trajs, nil)
	ctx := context.Background()

	traj, err := b.Start(ctx, StartOptions{OwnerID: "owner", TaskType: "build"})
	require.NoError(t, err)
	_, err = b.Complete(ctx, traj.ID, types.OutcomeFailure)
	require.NoError(t, err)

	err = b.RecordAction(ctx, traj.ID, types.ActionEvent{Tool: "read", Success: true})
	assert.ErrorIs(t, err, storage.ErrTerminal)

	err = b.RecordSwitch(ctx, traj.ID, "other")
	assert.ErrorIs(t, err, storage.ErrTerminal)

	_, err = b.Complete(ctx, traj.ID, types.OutcomeSuccess)
	assert.ErrorIs(t, err, storage.ErrTerminal)
}

func TestCompleteRejectsNonTerminalOutcome(t *testing.T) {
	trajs := newFakeTrajectoryStore()
	b := newTestReplayBank(t, trajs, nil)
	ctx := context.Background()

	traj, err := b.Start(ctx, StartOptions{OwnerID: "owner", TaskType: "build"})
	require.NoError(t, err)

	_, err = b.Complete(ctx, traj.ID, types.OutcomePending)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestStartRequiresOwnerAndTaskType(t *testing.T) {
	b := newTestReplayBank(t, newFakeTrajectoryStore(), nil)

	_, err := b.Start(context.Background(), StartOptions{OwnerID: "owner"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = b.Start(context.Background(), StartOptions{TaskType: "build"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func terminalTraj(id, taskType, agent string, reward float64) types.Trajectory {
	now := time.Now()
	return types.Trajectory{
		ID:          id,
		OwnerID:     "owner",
		AgentID:     agent,
		TaskType:    taskType,
		Outcome:     types.OutcomeSuccess,
		Reward:      reward,
		CreatedAt:   now.Add(-time.Hour),
		CompletedAt: &now,
	}
}

func TestFindSimilarUnionsCacheAndStore(t *testing.T) {
	trajs := newFakeTrajectoryStore()
	stored := terminalTraj("stored", "exploration", "scout", 0.5)
	require.NoError(t, trajs.Create(context.Background(), &stored))

	b := newTestReplayBank(t, trajs, nil)
	cached := terminalTraj("cached", "exploration", "scout", 0.618)
	b.cacheSuccess(&cached)

	results, err := b.FindSimilar(context.Background(), SimilarQuery{
		OwnerID: "owner", TaskType: "exploration", AgentID: "scout",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "cached", results[0].ID)
	assert.Equal(t, "stored", results[1].ID)
	assert.InDelta(t, 0.618, results[0].Reward, 1e-9)
	assert.InDelta(t, 0.5, results[1].Reward, 1e-9)
}

func TestFindSimilarDeduplicatesByID(t *testing.T) {
	trajs := newFakeTrajectoryStore()
	traj := terminalTraj("same", "exploration", "scout", 0.6)
	require.NoError(t, trajs.Create(context.Background(), &traj))

	b := newTestReplayBank(t, trajs, nil)
	b.cacheSuccess(&traj)

	results, err := b.FindSimilar(context.Background(), SimilarQuery{
		OwnerID: "owner", TaskType: "exploration", AgentID: "scout",
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestFindSimilarSemanticFallback(t *testing.T) {
	trajs := newFakeTrajectoryStore()
	fallback := terminalTraj("semantic", "exploration", "ranger", 0.45)
	trajs.vectorResults = []types.Trajectory{fallback}

	b := newTestReplayBank(t, trajs, &fakeEmbedder{vec: []float64{1, 0}})

	results, err := b.FindSimilar(context.Background(), SimilarQuery{
		OwnerID: "owner", TaskType: "exploration", AgentID: "scout",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "semantic", results[0].ID)
	assert.Equal(t, 1, trajs.vectorQueries)
}

func TestFindSimilarSkipsFallbackWhenEnoughResults(t *testing.T) {
	trajs := newFakeTrajectoryStore()
	for _, id := range []string{"a", "b", "c"} {
		traj := terminalTraj(id, "exploration", "scout", 0.5)
		require.NoError(t, trajs.Create(context.Background(), &traj))
	}
	trajs.vectorResults = []types.Trajectory{terminalTraj("semantic", "exploration", "ranger", 0.45)}

	b := newTestReplayBank(t, trajs, &fakeEmbedder{vec: []float64{1, 0}})

	results, err := b.FindSimilar(context.Background(), SimilarQuery{
		OwnerID: "owner", TaskType: "exploration", AgentID: "scout",
	})
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, 0, trajs.vectorQueries, "fallback must not fire with enough results")
}

func TestFindSimilarCapsAtFive(t *testing.T) {
	trajs := newFakeTrajectoryStore()
	b := newTestReplayBank(t, trajs, nil)
	for i := 0; i < 8; i++ {
		traj := terminalTraj(string(rune('a'+i)), "exploration", "scout", 0.4+float64(i)*0.02)
		b.cacheSuccess(&traj)
	}

	results, err := b.FindSimilar(context.Background(), SimilarQuery{
		OwnerID: "owner", TaskType: "exploration", AgentID: "scout",
	})
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestReplaySuggestionsConfidenceCappedAtPhiInv(t *testing.T) {
	trajs := newFakeTrajectoryStore()
	best := terminalTraj("best", "exploration", "scout", PhiInv)
	replayed := true
	best.SuccessAfterReplay = &replayed
	best.Actions = []types.ActionEvent{
		{Tool: "read", Kind: types.ActionRead, Input: "pkg/types/memory.go", Success: true},
		{Tool: "bash", Kind: types.ActionRun, Input: "go test ./...", Success: false},
		{Tool: "edit", Kind: types.ActionWrite, Input: "internal/engine/engine.go", Success: true},
	}
	require.NoError(t, trajs.Create(context.Background(), &best))

	b := newTestReplayBank(t, trajs, nil)
	suggestion, err := b.ReplaySuggestions(context.Background(), SimilarQuery{
		OwnerID: "owner", TaskType: "exploration", AgentID: "scout",
	})
	require.NoError(t, err)
	require.NotNil(t, suggestion)

	// reward φ⁻¹ nudged +0.1 would exceed the cap
	assert.InDelta(t, PhiInv, suggestion.Confidence, 1e-12)
	assert.LessOrEqual(t, suggestion.Confidence, PhiInv)

	// only successful actions make the plan
	require.Len(t, suggestion.Plan, 2)
	assert.Equal(t, "Read pkg/types/memory.go", suggestion.Plan[0])
	assert.Equal(t, "Write internal/engine/engine.go", suggestion.Plan[1])
}

func TestReplaySuggestionsBumpsReplayCount(t *testing.T) {
	trajs := newFakeTrajectoryStore()
	best := terminalTraj("best", "exploration", "scout", 0.5)
	require.NoError(t, trajs.Create(context.Background(), &best))

	b := newTestReplayBank(t, trajs, nil)
	_, err := b.ReplaySuggestions(context.Background(), SimilarQuery{
		OwnerID: "owner", TaskType: "exploration", AgentID: "scout",
	})
	require.NoError(t, err)

	got, err := trajs.Get(context.Background(), "best")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ReplayCount)
}

func TestReplaySuggestionsNoPrecedent(t *testing.T) {
	b := newTestReplayBank(t, newFakeTrajectoryStore(), nil)

	suggestion, err := b.ReplaySuggestions(context.Background(), SimilarQuery{
		OwnerID: "owner", TaskType: "novel", AgentID: "scout",
	})
	require.NoError(t, err)
	assert.Nil(t, suggestion)
}

func TestRecordReplayResultNudgesConfidence(t *testing.T) {
	trajs := newFakeTrajectoryStore()
	traj := terminalTraj("t1", "exploration", "scout", 0.5)
	traj.Confidence = 0.5
	require.NoError(t, trajs.Create(context.Background(), &traj))

	b := newTestReplayBank(t, trajs, nil)

	require.NoError(t, b.RecordReplayResult(context.Background(), "t1", true))
	got, err := trajs.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, got.SuccessAfterReplay)
	assert.True(t, *got.SuccessAfterReplay)
	assert.InDelta(t, 0.6, got.Confidence, 1e-9)

	require.NoError(t, b.RecordReplayResult(context.Background(), "t1", true))
	got, err = trajs.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.InDelta(t, PhiInv, got.Confidence, 1e-9, "confidence never exceeds the cap")

	require.NoError(t, b.RecordReplayResult(context.Background(), "t1", false))
	got, err = trajs.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, *got.SuccessAfterReplay)
	assert.InDelta(t, PhiInv-0.1, got.Confidence, 1e-9)
}

func TestRecommendDogRanksByAverageReward(t *testing.T) {
	trajs := newFakeTrajectoryStore()
	ctx := context.Background()

	// scout: avg 0.55 over 2 attempts, 1 success
	a := terminalTraj("a", "exploration", "scout", 0.618)
	b1 := terminalTraj("b", "exploration", "scout", 0.482)
	b1.Outcome = types.OutcomeFailure
	// ranger: avg 0.3 over 1 attempt
	c := terminalTraj("c", "exploration", "ranger", 0.3)
	for _, traj := range []*types.Trajectory{&a, &b1, &c} {
		require.NoError(t, trajs.Create(ctx, traj))
	}

	b := newTestReplayBank(t, trajs, nil)
	rec, err := b.RecommendDog(ctx, "owner", "exploration")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, "scout", rec.Recommended.AgentID)
	assert.Equal(t, 2, rec.Recommended.Attempts)
	assert.Equal(t, 1, rec.Recommended.Successes)
	assert.InDelta(t, 0.55, rec.Recommended.AvgReward, 1e-9)

	require.Len(t, rec.Alternatives, 1)
	assert.Equal(t, "ranger", rec.Alternatives[0].AgentID)
}

func TestRecommendDogNoHistory(t *testing.T) {
	b := newTestReplayBank(t, newFakeTrajectoryStore(), nil)

	rec, err := b.RecommendDog(context.Background(), "owner", "novel")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
