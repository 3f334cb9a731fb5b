package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kennelworks/kennel/internal/storage"
	"github.com/kennelworks/kennel/pkg/types"
)

// DecisionStore implements storage.DecisionStore on SQLite.
type DecisionStore struct {
	db *sql.DB
}

const decisionColumns = `id, owner_id, session_id, project_path, title, description,
	rationale, alternatives, status, superseded_by, embedding, dimension, created_at, updated_at`

// Create inserts a new decision record.
func (s *DecisionStore) Create(ctx context.Context, rec *types.DecisionRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: decision ID is required", storage.ErrInvalidInput)
	}
	if rec.Title == "" {
		return fmt.Errorf("%w: decision title is required", storage.ErrInvalidInput)
	}
	if rec.Status == "" {
		rec.Status = types.DecisionActive
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	var alternatives []byte
	if len(rec.Alternatives) > 0 {
		var err error
		alternatives, err = json.Marshal(rec.Alternatives)
		if err != nil {
			return fmt.Errorf("sqlite: marshal alternatives: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (`+decisionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.OwnerID,
		nullString(rec.SessionID),
		nullString(rec.ProjectPath),
		rec.Title,
		nullString(rec.Description),
		nullString(rec.Rationale),
		alternatives,
		string(rec.Status),
		nullString(rec.SupersededBy),
		encodeVector(rec.Embedding),
		len(rec.Embedding),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: create decision: %w", err)
	}
	return nil
}

// Get retrieves a decision by ID.
func (s *DecisionStore) Get(ctx context.Context, id string) (*types.DecisionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	rec, err := scanDecision(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get decision: %w", err)
	}
	return rec, nil
}

// FindActiveByProject returns active decisions for the project, newest
// first.
func (s *DecisionStore) FindActiveByProject(ctx context.Context, ownerID, projectPath string, limit int) ([]types.DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+decisionColumns+` FROM decisions
		WHERE owner_id = ? AND project_path = ? AND status = ?
		ORDER BY created_at DESC LIMIT ?`,
		ownerID, projectPath, string(types.DecisionActive), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find active decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []types.DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan decision: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// MarkSuperseded flips the old decision to superseded and links it to its
// replacement in one statement. The old record's content is untouched.
func (s *DecisionStore) MarkSuperseded(ctx context.Context, oldID, newID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE decisions
		SET status = ?, superseded_by = ?, updated_at = ?
		WHERE id = ?`,
		string(types.DecisionSuperseded), newID, time.Now(), oldID)
	if err != nil {
		return fmt.Errorf("sqlite: mark superseded: %w", err)
	}
	return requireRow(result)
}

func scanDecision(r rowScanner) (*types.DecisionRecord, error) {
	var (
		rec          types.DecisionRecord
		sessionID    sql.NullString
		projectPath  sql.NullString
		description  sql.NullString
		rationale    sql.NullString
		alternatives []byte
		status       string
		supersededBy sql.NullString
		blob         []byte
		dimension    int
	)
	if err := r.Scan(
		&rec.ID, &rec.OwnerID, &sessionID, &projectPath, &rec.Title,
		&description, &rationale, &alternatives, &status, &supersededBy,
		&blob, &dimension, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.SessionID = sessionID.String
	rec.ProjectPath = projectPath.String
	rec.Description = description.String
	rec.Rationale = rationale.String
	rec.Status = types.DecisionStatus(status)
	rec.SupersededBy = supersededBy.String
	if len(alternatives) > 0 {
		if err := json.Unmarshal(alternatives, &rec.Alternatives); err != nil {
			return nil, fmt.Errorf("unmarshal alternatives: %w", err)
		}
	}
	vec, err := decodeVector(blob, dimension)
	if err != nil {
		return nil, err
	}
	rec.Embedding = vec
	return &rec, nil
}
