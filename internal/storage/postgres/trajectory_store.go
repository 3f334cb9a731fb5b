package postgres

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

// TrajectoryStore implements storage.TrajectoryStore on PostgreSQL. The
// initial state and action sequence live in JSONB columns; the one-way
// pending-to-terminal outcome transition is enforced here.
type TrajectoryStore struct {
	db              *sql.DB
	vectorAvailable bool
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

	query := `
		INSERT INTO trajectories (` + trajectoryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`
	args := []any{
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
	}
	if s.vectorAvailable {
		query = `
			INSERT INTO trajectories (` + trajectoryColumns + `, embedding_vec)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`
		args = append(args, pgVector(traj.Embedding))
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: create trajectory: %w", err)
	}
	return nil
}

// Get retrieves a trajectory by ID.
func (s *TrajectoryStore) Get(ctx context.Context, id string) (*types.Trajectory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+trajectoryColumns+` FROM trajectories WHERE id = $1`, id)
	traj, err := scanTrajectory(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get trajectory: %w", err)
	}
	return traj, nil
}

// Update replaces the trajectory row. An update that would move a terminal
// record to a different outcome is rejected with ErrTerminal.
func (s *TrajectoryStore) Update(ctx context.Context, traj *types.Trajectory) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		`SELECT outcome FROM trajectories WHERE id = $1`, traj.ID).Scan(&current)
	if err != nil {
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		return fmt.Errorf("postgres: update trajectory: %w", err)
	}
	if types.Outcome(current).Terminal() && traj.Outcome != types.Outcome(current) {
		return storage.ErrTerminal
	}

	initialState, actions, err := marshalTrajectoryJSON(traj)
	if err != nil {
		return err
	}

	query := `
		UPDATE trajectories SET
			agent_id = $1, initial_state = $2, actions = $3, outcome = $4, reward = $5,
			duration_ms = $6, tool_count = $7, error_count = $8, switch_count = $9,
			similarity_hash = $10, replay_count = $11, confidence = $12,
			success_after_replay = $13, embedding = $14, dimension = $15, completed_at = $16
		WHERE id = $17`
	args := []any{
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
	}
	if s.vectorAvailable {
		query = `
			UPDATE trajectories SET
				agent_id = $1, initial_state = $2, actions = $3, outcome = $4, reward = $5,
				duration_ms = $6, tool_count = $7, error_count = $8, switch_count = $9,
				similarity_hash = $10, replay_count = $11, confidence = $12,
				success_after_replay = $13, embedding = $14, dimension = $15, completed_at = $16,
				embedding_vec = $18
			WHERE id = $17`
		args = append(args, pgVector(traj.Embedding))
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update trajectory: %w", err)
	}
	return requireRow(result)
}

// FindSuccessful returns successful trajectories with reward >= minReward,
// highest reward first. Empty agentID matches any agent.
func (s *TrajectoryStore) FindSuccessful(ctx context.Context, ownerID, taskType, agentID string, minReward float64, limit int) ([]types.Trajectory, error) {
	query := `
		SELECT ` + trajectoryColumns + ` FROM trajectories
		WHERE owner_id = $1 AND task_type = $2 AND outcome = $3 AND reward >= $4`
	args := []any{ownerID, taskType, string(types.OutcomeSuccess), minReward}
	if agentID != "" {
		query += ` AND agent_id = $5 ORDER BY reward DESC LIMIT $6`
		args = append(args, agentID, limit)
	} else {
		query += ` ORDER BY reward DESC LIMIT $5`
		args = append(args, limit)
	}
	return s.queryTrajectories(ctx, query, args...)
}

// FindByTaskType returns completed trajectories for a task type, newest
// first.
func (s *TrajectoryStore) FindByTaskType(ctx context.Context, ownerID, taskType string, limit int) ([]types.Trajectory, error) {
	return s.queryTrajectories(ctx, `
		SELECT `+trajectoryColumns+` FROM trajectories
		WHERE owner_id = $1 AND task_type = $2 AND outcome != $3
		ORDER BY created_at DESC LIMIT $4`,
		ownerID, taskType, string(types.OutcomePending), limit)
}

// VectorSearch ranks completed embedded trajectories by similarity to the
// query vector.
func (s *TrajectoryStore) VectorSearch(ctx context.Context, ownerID string, queryVec []float64, limit int) ([]types.Trajectory, error) {
	if len(queryVec) == 0 {
		return nil, nil
	}

	if s.vectorAvailable {
		return s.queryTrajectories(ctx, `
			SELECT `+trajectoryColumns+` FROM trajectories
			WHERE owner_id = $1 AND embedding_vec IS NOT NULL AND outcome != $2
			ORDER BY embedding_vec <=> $3::vector ASC
			LIMIT $4`,
			ownerID, string(types.OutcomePending), pgVector(queryVec), limit)
	}

	candidates, err := s.queryTrajectories(ctx, `
		SELECT `+trajectoryColumns+` FROM trajectories
		WHERE owner_id = $1 AND embedding IS NOT NULL AND outcome != $2
		ORDER BY created_at DESC LIMIT $3`,
		ownerID, string(types.OutcomePending), scanCandidateLimit)
	if err != nil {
		return nil, err
	}
	return rankBySimilarity(candidates, queryVec, limit), nil
}

// rankBySimilarity orders candidates by cosine similarity to the query,
// dropping non-positive matches.
func rankBySimilarity(candidates []types.Trajectory, queryVec []float64, limit int) []types.Trajectory {
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
	return out
}

// Stats summarizes the owner's trajectories.
func (s *TrajectoryStore) Stats(ctx context.Context, ownerID string) (*storage.TrajectoryStats, error) {
	stats := &storage.TrajectoryStats{ByOutcome: make(map[types.Outcome]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(reward), 0)
		FROM trajectories WHERE owner_id = $1`, ownerID,
	).Scan(&stats.Total, &stats.AvgReward)
	if err != nil {
		return nil, fmt.Errorf("postgres: trajectory stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM trajectories WHERE owner_id = $1 GROUP BY outcome`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: trajectory stats by outcome: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("postgres: trajectory stats scan: %w", err)
		}
		stats.ByOutcome[types.Outcome(outcome)] = count
	}
	return stats, rows.Err()
}

func (s *TrajectoryStore) queryTrajectories(ctx context.Context, query string, args ...any) ([]types.Trajectory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query trajectories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var trajs []types.Trajectory
	for rows.Next() {
		traj, err := scanTrajectory(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trajectory: %w", err)
		}
		trajs = append(trajs, *traj)
	}
	return trajs, rows.Err()
}

func marshalTrajectoryJSON(traj *types.Trajectory) ([]byte, []byte, error) {
	initialState, err := json.Marshal(traj.InitialState)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: marshal initial state: %w", err)
	}
	var actions []byte
	if len(traj.Actions) > 0 {
		actions, err = json.Marshal(traj.Actions)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: marshal actions: %w", err)
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
