package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kennelworks/kennel/internal/storage"
	"github.com/kennelworks/kennel/pkg/types"
)

func testTrajectory(id, ownerID, taskType string) *types.Trajectory {
	return &types.Trajectory{
		ID:        id,
		OwnerID:   ownerID,
		TaskType:  taskType,
		Outcome:   types.OutcomePending,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestTrajectoryRoundTrip(t *testing.T) {
	store := newTestStore(t).Trajectories()
	ctx := context.Background()

	completed := time.Now().UTC().Truncate(time.Second)
	replayed := true

	traj := testTrajectory("traj-1", "owner-1", "fix_bug")
	traj.SessionID = "sess-1"
	traj.AgentID = "scout"
	traj.InitialState = types.TaskState{
		Description: "flaky watcher test",
		WorkingDir:  "/repo",
		Topics:      []string{"tests", "fsnotify"},
	}
	traj.Actions = []types.ActionEvent{
		{Timestamp: completed, Tool: "read", Kind: types.ActionRead, Input: "watcher.go", Success: true},
		{Timestamp: completed, Tool: "bash", Kind: types.ActionRun, Input: "go test ./...", Success: false},
	}
	traj.Outcome = types.OutcomeSuccess
	traj.Reward = 0.618
	traj.DurationMs = 4200
	traj.ToolCount = 2
	traj.ErrorCount = 1
	traj.SimilarityHash = "abcdef0123456789"
	traj.Confidence = 0.5
	traj.SuccessAfterReplay = &replayed
	traj.Embedding = []float64{0.5, 0.5}
	traj.CompletedAt = &completed

	if err := store.Create(ctx, traj); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	got, err := store.Get(ctx, "traj-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.AgentID != "scout" {
		t.Errorf("AgentID: got %q, want %q", got.AgentID, "scout")
	}
	if got.InitialState.Description != "flaky watcher test" {
		t.Errorf("InitialState.Description: got %q", got.InitialState.Description)
	}
	if len(got.InitialState.Topics) != 2 {
		t.Errorf("InitialState.Topics: got %v", got.InitialState.Topics)
	}
	if len(got.Actions) != 2 {
		t.Fatalf("Actions: got %d, want 2", len(got.Actions))
	}
	if got.Actions[1].Kind != types.ActionRun || got.Actions[1].Success {
		t.Errorf("Actions[1]: got %+v", got.Actions[1])
	}
	if got.Reward != 0.618 {
		t.Errorf("Reward: got %f, want 0.618", got.Reward)
	}
	if got.SuccessAfterReplay == nil || !*got.SuccessAfterReplay {
		t.Errorf("SuccessAfterReplay: got %v, want true", got.SuccessAfterReplay)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("CompletedAt: got %v, want %v", got.CompletedAt, completed)
	}
	if len(got.Embedding) != 2 {
		t.Errorf("Embedding: got %v", got.Embedding)
	}
}

func TestTrajectoryGetNotFound(t *testing.T) {
	store := newTestStore(t).Trajectories()

	_, err := store.Get(context.Background(), "no-such-id")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get() error: got %v, want ErrNotFound", err)
	}
}

func TestTrajectoryUpdateWhilePending(t *testing.T) {
	store := newTestStore(t).Trajectories()
	ctx := context.Background()

	traj := testTrajectory("traj-1", "owner-1", "fix_bug")
	if err := store.Create(ctx, traj); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	traj.Actions = append(traj.Actions, types.ActionEvent{
		Tool: "read", Kind: types.ActionRead, Input: "main.go", Success: true,
	})
	traj.ToolCount = 1
	if err := store.Update(ctx, traj); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	got, err := store.Get(ctx, "traj-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.ToolCount != 1 || len(got.Actions) != 1 {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestTrajectoryUpdateRejectsOutcomeChangeAfterTerminal(t *testing.T) {
	store := newTestStore(t).Trajectories()
	ctx := context.Background()

	traj := testTrajectory("traj-1", "owner-1", "fix_bug")
	traj.Outcome = types.OutcomeFailure
	if err := store.Create(ctx, traj); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	traj.Outcome = types.OutcomeSuccess
	if err := store.Update(ctx, traj); !errors.Is(err, storage.ErrTerminal) {
		t.Fatalf("Update() to different terminal outcome: got %v, want ErrTerminal", err)
	}

	traj.Outcome = types.OutcomePending
	if err := store.Update(ctx, traj); !errors.Is(err, storage.ErrTerminal) {
		t.Fatalf("Update() back to pending: got %v, want ErrTerminal", err)
	}
}

func TestTrajectoryUpdateAllowsReplayBookkeeping(t *testing.T) {
	store := newTestStore(t).Trajectories()
	ctx := context.Background()

	traj := testTrajectory("traj-1", "owner-1", "fix_bug")
	traj.Outcome = types.OutcomeSuccess
	traj.Confidence = 0.5
	if err := store.Create(ctx, traj); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// Same terminal outcome: replay counters may still move.
	traj.ReplayCount = 1
	traj.Confidence = 0.6
	if err := store.Update(ctx, traj); err != nil {
		t.Fatalf("Update() with same outcome failed: %v", err)
	}

	got, err := store.Get(ctx, "traj-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.ReplayCount != 1 || got.Confidence != 0.6 {
		t.Errorf("bookkeeping not applied: replay=%d confidence=%f", got.ReplayCount, got.Confidence)
	}
}

func TestTrajectoryFindSuccessful(t *testing.T) {
	store := newTestStore(t).Trajectories()
	ctx := context.Background()

	best := testTrajectory("traj-best", "owner-1", "fix_bug")
	best.AgentID = "scout"
	best.Outcome = types.OutcomeSuccess
	best.Reward = 0.618

	modest := testTrajectory("traj-modest", "owner-1", "fix_bug")
	modest.AgentID = "ranger"
	modest.Outcome = types.OutcomeSuccess
	modest.Reward = 0.4

	failed := testTrajectory("traj-failed", "owner-1", "fix_bug")
	failed.Outcome = types.OutcomeFailure
	failed.Reward = -0.382

	otherTask := testTrajectory("traj-other", "owner-1", "write_docs")
	otherTask.Outcome = types.OutcomeSuccess
	otherTask.Reward = 0.618

	for _, tr := range []*types.Trajectory{best, modest, failed, otherTask} {
		if err := store.Create(ctx, tr); err != nil {
			t.Fatalf("Create(%s) failed: %v", tr.ID, err)
		}
	}

	got, err := store.FindSuccessful(ctx, "owner-1", "fix_bug", "", 0.382, 10)
	if err != nil {
		t.Fatalf("FindSuccessful() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("FindSuccessful(): got %d, want 2", len(got))
	}
	if got[0].ID != "traj-best" {
		t.Errorf("highest reward first: got %q, want traj-best", got[0].ID)
	}

	got, err = store.FindSuccessful(ctx, "owner-1", "fix_bug", "ranger", 0, 10)
	if err != nil {
		t.Fatalf("FindSuccessful() with agent failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "traj-modest" {
		t.Errorf("agent filter: got %v", got)
	}
}

func TestTrajectoryFindByTaskTypeExcludesPending(t *testing.T) {
	store := newTestStore(t).Trajectories()
	ctx := context.Background()

	done := testTrajectory("traj-done", "owner-1", "fix_bug")
	done.Outcome = types.OutcomeFailure
	pending := testTrajectory("traj-pending", "owner-1", "fix_bug")

	for _, tr := range []*types.Trajectory{done, pending} {
		if err := store.Create(ctx, tr); err != nil {
			t.Fatalf("Create(%s) failed: %v", tr.ID, err)
		}
	}

	got, err := store.FindByTaskType(ctx, "owner-1", "fix_bug", 10)
	if err != nil {
		t.Fatalf("FindByTaskType() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "traj-done" {
		t.Errorf("FindByTaskType(): got %v, want only traj-done", got)
	}
}

func TestTrajectoryVectorSearch(t *testing.T) {
	store := newTestStore(t).Trajectories()
	ctx := context.Background()

	near := testTrajectory("traj-near", "owner-1", "fix_bug")
	near.Outcome = types.OutcomeSuccess
	near.Embedding = []float64{1, 0}

	far := testTrajectory("traj-far", "owner-1", "fix_bug")
	far.Outcome = types.OutcomeSuccess
	far.Embedding = []float64{0, 1}

	pending := testTrajectory("traj-pending", "owner-1", "fix_bug")
	pending.Embedding = []float64{1, 0}

	for _, tr := range []*types.Trajectory{near, far, pending} {
		if err := store.Create(ctx, tr); err != nil {
			t.Fatalf("Create(%s) failed: %v", tr.ID, err)
		}
	}

	got, err := store.VectorSearch(ctx, "owner-1", []float64{1, 0}, 10)
	if err != nil {
		t.Fatalf("VectorSearch() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "traj-near" {
		t.Errorf("VectorSearch(): got %v, want only traj-near", got)
	}

	got, err = store.VectorSearch(ctx, "owner-1", nil, 10)
	if err != nil {
		t.Fatalf("VectorSearch(nil) failed: %v", err)
	}
	if got != nil {
		t.Errorf("VectorSearch(nil): got %v, want nil", got)
	}
}

func TestTrajectoryStats(t *testing.T) {
	store := newTestStore(t).Trajectories()
	ctx := context.Background()

	win := testTrajectory("traj-1", "owner-1", "fix_bug")
	win.Outcome = types.OutcomeSuccess
	win.Reward = 0.6
	loss := testTrajectory("traj-2", "owner-1", "fix_bug")
	loss.Outcome = types.OutcomeFailure
	loss.Reward = -0.4

	for _, tr := range []*types.Trajectory{win, loss} {
		if err := store.Create(ctx, tr); err != nil {
			t.Fatalf("Create(%s) failed: %v", tr.ID, err)
		}
	}

	stats, err := store.Stats(ctx, "owner-1")
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Total: got %d, want 2", stats.Total)
	}
	if stats.ByOutcome[types.OutcomeSuccess] != 1 || stats.ByOutcome[types.OutcomeFailure] != 1 {
		t.Errorf("ByOutcome: got %v", stats.ByOutcome)
	}
	if diff := stats.AvgReward - 0.1; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("AvgReward: got %f, want 0.1", stats.AvgReward)
	}
}
