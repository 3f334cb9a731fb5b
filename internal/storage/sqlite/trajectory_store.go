package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kennelworks/kennel/internal/embedding"
	"github.com/kennelworks/kennel/internal/storage"
	"github.com/kennelworks/kennel/pkg/types"
)

// TrajectoryStore implements storage.TrajectoryStore on SQLite. The
// initial state and action sequence are stored as JSON columns; the
// one-way pending-to-terminal outcome transition is enforced here so no
// caller can resurrect a completed trajectory.
type TrajectoryStore struct {
	db *sql.DB
}

const trajectoryColumns = `id, owner_id, session_id, agent_id, task_type, initial_state,
	actions, outcome, reward, duration_ms, tool_count, error_count, switch_count,
	similarity_hash, replay_count, confidence, success_after_replay,
	embedding, dimension, created_at, completed_at`

// Create inserts a new trajectory.
func (s *TrajectoryStore) Create(ctx context.Context, traj *types.Trajectory) error {
	if traj == nil || traj.ID == "" {
		return fmt.Errorf("%w: trajectory ID is required", storage.ErrInvalidInput)
	}
	if traj.TaskType == "" {
		return fmt.Errorf("%w: trajectory task type is required", storage.ErrInvalidInput)
	}
	if traj.Outcome == "" {
		traj.Outcome = types.OutcomePending
	}
	if traj.CreatedAt.IsZero() {
		traj.CreatedAt = time.Now()
	}

	initialState, actions, err := marshalTrajectoryJSON(traj)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trajectories (`+trajectoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		traj.ID,
		traj.OwnerID,
		nullString(traj.SessionID),
		nullString(traj.AgentID),
		traj.TaskType,
		initialState,
		actions,
		string(traj.Outcome),
		traj.Reward,
		traj.DurationMs,
		traj.ToolCount,
		traj.ErrorCount,
		traj.SwitchCount,
		nullString(traj.SimilarityHash),
		traj.ReplayCount,
		traj.Confidence,
		nullBool(traj.SuccessAfterReplay),
		encodeVector(traj.Embedding),
		len(traj.Embedding),
		traj.CreatedAt,
		nullTime(traj.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create trajectory: %w", err)
	}
	return nil
}

// Get retrieves a trajectory by ID.
func (s *TrajectoryStore) Get(ctx context.Context, id string) (*types.Trajectory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+trajectoryColumns+` FROM trajectories WHERE id = ?`, id)
	traj, err := scanTrajectory(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get trajectory: %w", err)
	}
	return traj, nil
}

// Update replaces the trajectory row. An update that would move a terminal
// record to a different outcome is rejected with ErrTerminal.
func (s *TrajectoryStore) Update(ctx context.Context, traj *types.Trajectory) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		`SELECT outcome FROM trajectories WHERE id = ?`, traj.ID).Scan(&current)
	if err != nil {
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		return fmt.Errorf("sqlite: update trajectory: %w", err)
	}
	if types.Outcome(current).Terminal() && traj.Outcome != types.Outcome(current) {
		return storage.ErrTerminal
	}

	initialState, actions, err := marshalTrajectoryJSON(traj)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE trajectories SET
			agent_id = ?, initial_state = ?, actions = ?, outcome = ?, reward = ?,
			duration_ms = ?, tool_count = ?, error_count = ?, switch_count = ?,
			similarity_hash = ?, replay_count = ?, confidence = ?,
			success_after_replay = ?, embedding = ?, dimension = ?, completed_at = ?
		WHERE id = ?`,
		nullString(traj.AgentID),
		initialState,
		actions,
		string(traj.Outcome),
		traj.Reward,
		traj.DurationMs,
		traj.ToolCount,
		traj.ErrorCount,
		traj.SwitchCount,
		nullString(traj.SimilarityHash),
		traj.ReplayCount,
		traj.Confidence,
		nullBool(traj.SuccessAfterReplay),
		encodeVector(traj.Embedding),
		len(traj.Embedding),
		nullTime(traj.CompletedAt),
		traj.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update trajectory: %w", err)
	}
	return requireRow(result)
}

// FindSuccessful returns successful trajectories for the task type with
// reward >= minReward, highest reward first. Empty agentID matches any
// agent.
func (s *TrajectoryStore) FindSuccessful(ctx context.Context, ownerID, taskType, agentID string, minReward float64, limit int) ([]types.Trajectory, error) {
	query := `
		SELECT ` + trajectoryColumns + ` FROM trajectories
		WHERE owner_id = ? AND task_type = ? AND outcome = ? AND reward >= ?`
	args := []any{ownerID, taskType, string(types.OutcomeSuccess), minReward}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY reward DESC LIMIT ?`
	args = append(args, limit)

	return s.queryTrajectories(ctx, query, args...)
}

// FindByTaskType returns completed trajectories for a task type, newest
// first.
func (s *TrajectoryStore) FindByTaskType(ctx context.Context, ownerID, taskType string, limit int) ([]types.Trajectory, error) {
	return s.queryTrajectories(ctx, `
		SELECT `+trajectoryColumns+` FROM trajectories
		WHERE owner_id = ? AND task_type = ? AND outcome != ?
		ORDER BY created_at DESC LIMIT ?`,
		ownerID, taskType, string(types.OutcomePending), limit)
}

// VectorSearch ranks completed embedded trajectories by cosine similarity
// to the query vector.
func (s *TrajectoryStore) VectorSearch(ctx context.Context, ownerID string, queryVec []float64, limit int) ([]types.Trajectory, error) {
	if len(queryVec) == 0 {
		return nil, nil
	}
	candidates, err := s.queryTrajectories(ctx, `
		SELECT `+trajectoryColumns+` FROM trajectories
		WHERE owner_id = ? AND embedding IS NOT NULL AND outcome != ?
		ORDER BY created_at DESC LIMIT ?`,
		ownerID, string(types.OutcomePending), vectorCandidateLimit)
	if err != nil {
		return nil, err
	}

	type scored struct {
		traj types.Trajectory
		sim  float64
	}
	var ranked []scored
	for _, t := range candidates {
		sim := embedding.CosineSimilarity(queryVec, t.Embedding)
		if sim <= 0 {
			continue
		}
		ranked = append(ranked, scored{traj: t, sim: sim})
	}
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].sim > ranked[j].sim
	})

	var out []types.Trajectory
	for i := 0; i < len(ranked) && i < limit; i++ {
		out = append(out, ranked[i].traj)
	}
	return out, nil
}

// Stats summarizes the owner's trajectories.
func (s *TrajectoryStore) Stats(ctx context.Context, ownerID string) (*storage.TrajectoryStats, error) {
	stats := &storage.TrajectoryStats{ByOutcome: make(map[types.Outcome]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(reward), 0)
		FROM trajectories WHERE owner_id = ?`, ownerID,
	).Scan(&stats.Total, &stats.AvgReward)
	if err != nil {
		return nil, fmt.Errorf("sqlite: trajectory stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM trajectories WHERE owner_id = ? GROUP BY outcome`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: trajectory stats by outcome: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("sqlite: trajectory stats scan: %w", err)
		}
		stats.ByOutcome[types.Outcome(outcome)] = count
	}
	return stats, rows.Err()
}

func (s *TrajectoryStore) queryTrajectories(ctx context.Context, query string, args ...any) ([]types.Trajectory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query trajectories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var trajs []types.Trajectory
	for rows.Next() {
		traj, err := scanTrajectory(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan trajectory: %w", err)
		}
		trajs = append(trajs, *traj)
	}
	return trajs, rows.Err()
}

func marshalTrajectoryJSON(traj *types.Trajectory) ([]byte, []byte, error) {
	initialState, err := json.Marshal(traj.InitialState)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: marshal initial state: %w", err)
	}
	var actions []byte
	if len(traj.Actions) > 0 {
		actions, err = json.Marshal(traj.Actions)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: marshal actions: %w", err)
		}
	}
	return initialState, actions, nil
}

func scanTrajectory(r rowScanner) (*types.Trajectory, error) {
	var (
		traj               types.Trajectory
		sessionID          sql.NullString
		agentID            sql.NullString
		initialState       []byte
		actions            []byte
		outcome            string
		similarityHash     sql.NullString
		successAfterReplay sql.NullBool
		blob               []byte
		dimension          int
		completedAt        sql.NullTime
	)
	if err := r.Scan(
		&traj.ID, &traj.OwnerID, &sessionID, &agentID, &traj.TaskType,
		&initialState, &actions, &outcome, &traj.Reward, &traj.DurationMs,
		&traj.ToolCount, &traj.ErrorCount, &traj.SwitchCount,
		&similarityHash, &traj.ReplayCount, &traj.Confidence,
		&successAfterReplay, &blob, &dimension, &traj.CreatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	traj.SessionID = sessionID.String
	traj.AgentID = agentID.String
	traj.Outcome = types.Outcome(outcome)
	traj.SimilarityHash = similarityHash.String
	if successAfterReplay.Valid {
		v := successAfterReplay.Bool
		traj.SuccessAfterReplay = &v
	}
	if completedAt.Valid {
		t := completedAt.Time
		traj.CompletedAt = &t
	}
	if len(initialState) > 0 {
		if err := json.Unmarshal(initialState, &traj.InitialState); err != nil {
			return nil, fmt.Errorf("unmarshal initial state: %w", err)
		}
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &traj.Actions); err != nil {
			return nil, fmt.Errorf("unmarshal actions: %w", err)
		}
	}
	vec, err := decodeVector(blob, dimension)
	if err != nil {
		return nil, err
	}
	traj.Embedding = vec
	return &traj, nil
}

// nullBool maps a nil pointer to NULL.
func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
