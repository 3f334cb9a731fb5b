package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kennelworks/kennel/internal/embedding"
	"github.com/kennelworks/kennel/internal/storage"
	"github.com/kennelworks/kennel/pkg/types"
)

// LessonStore implements storage.LessonStore on PostgreSQL.
type LessonStore struct {
	db              *sql.DB
	vectorAvailable bool
}

const lessonColumns = `id, owner_id, session_id, mistake, correction, prevention,
	severity, occurrences, last_seen_at, embedding, dimension, created_at, updated_at`

// Create inserts a new lesson record.
func (s *LessonStore) Create(ctx context.Context, rec *types.LessonRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: lesson ID is required", storage.ErrInvalidInput)
	}
	if rec.Mistake == "" {
		return fmt.Errorf("%w: lesson mistake is required", storage.ErrInvalidInput)
	}
	if rec.Severity == "" {
		rec.Severity = types.SeverityMedium
	}
	if rec.Occurrences < 1 {
		rec.Occurrences = 1
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	query := `
		INSERT INTO lessons (` + lessonColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	args := []any{
		rec.ID,
		rec.OwnerID,
		nullString(rec.SessionID),
		rec.Mistake,
		rec.Correction,
		nullString(rec.Prevention),
		string(rec.Severity),
		rec.Occurrences,
		nullTime(rec.LastSeenAt),
		encodeVector(rec.Embedding),
		len(rec.Embedding),
		rec.CreatedAt,
		rec.UpdatedAt,
	}
	if s.vectorAvailable {
		query = `
			INSERT INTO lessons (` + lessonColumns + `, embedding_vec)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
		args = append(args, pgVector(rec.Embedding))
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: create lesson: %w", err)
	}
	return nil
}

// Get retrieves a lesson by ID.
func (s *LessonStore) Get(ctx context.Context, id string) (*types.LessonRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lessonColumns+` FROM lessons WHERE id = $1`, id)
	rec, err := scanLesson(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get lesson: %w", err)
	}
	return rec, nil
}

// Search returns lessons relevant to the query text, best first.
func (s *LessonStore) Search(ctx context.Context, ownerID, query string, opts storage.SearchOptions) ([]storage.ScoredLesson, error) {
	opts.Normalize()

	byID := make(map[string]int)
	var results []storage.ScoredLesson

	if strings.TrimSpace(query) != "" {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+lessonColumns+`,
				ts_rank_cd(lesson_tsv, plainto_tsquery('english', $1), 32) AS rank
			FROM lessons
			WHERE lesson_tsv @@ plainto_tsquery('english', $1) AND owner_id = $2
			ORDER BY rank DESC
			LIMIT $3`, query, ownerID, opts.Limit)
		if err != nil {
			return nil, fmt.Errorf("postgres: lesson search %q: %w", query, err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			rec, _, err := scanLessonWithRank(rows)
			if err != nil {
				return nil, fmt.Errorf("postgres: lesson search scan: %w", err)
			}
			byID[rec.ID] = len(results)
			results = append(results, storage.ScoredLesson{
				Record:       *rec,
				LexicalScore: lexicalScore(len(results)),
			})
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("postgres: lesson search rows: %w", err)
		}
	}

	if len(opts.Embedding) > 0 {
		if err := s.vectorCandidates(ctx, ownerID, opts, byID, &results); err != nil {
			return nil, err
		}
	}

	return results, nil
}

func (s *LessonStore) vectorCandidates(ctx context.Context, ownerID string, opts storage.SearchOptions, byID map[string]int, results *[]storage.ScoredLesson) error {
	if s.vectorAvailable {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+lessonColumns+`, embedding_vec <=> $1::vector AS distance
			FROM lessons
			WHERE embedding_vec IS NOT NULL AND owner_id = $2
			ORDER BY distance ASC
			LIMIT $3`, pgVector(opts.Embedding), ownerID, opts.Limit)
		if err != nil {
			return fmt.Errorf("postgres: lesson vector candidates: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			rec, distance, err := scanLessonWithRank(rows)
			if err != nil {
				return fmt.Errorf("postgres: lesson vector scan: %w", err)
			}
			sim := cosineScore(distance)
			if sim <= 0 {
				continue
			}
			mergeScoredLesson(byID, results, *rec, sim)
		}
		return rows.Err()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+lessonColumns+`
		FROM lessons
		WHERE owner_id = $1 AND embedding IS NOT NULL
		ORDER BY created_at DESC
		LIMIT $2`, ownerID, scanCandidateLimit)
	if err != nil {
		return fmt.Errorf("postgres: lesson vector fallback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		rec, err := scanLesson(rows)
		if err != nil {
			return fmt.Errorf("postgres: lesson vector fallback scan: %w", err)
		}
		sim := embedding.CosineSimilarity(opts.Embedding, rec.Embedding)
		if sim <= 0 {
			continue
		}
		mergeScoredLesson(byID, results, *rec, sim)
	}
	return rows.Err()
}

func mergeScoredLesson(byID map[string]int, results *[]storage.ScoredLesson, rec types.LessonRecord, sim float64) {
	if idx, ok := byID[rec.ID]; ok {
		(*results)[idx].VectorScore = sim
		return
	}
	byID[rec.ID] = len(*results)
	*results = append(*results, storage.ScoredLesson{Record: rec, VectorScore: sim})
}

// FindCritical returns the owner's critical-severity lessons, newest first.
func (s *LessonStore) FindCritical(ctx context.Context, ownerID string, limit int) ([]types.LessonRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+lessonColumns+` FROM lessons
		WHERE owner_id = $1 AND severity = $2
		ORDER BY created_at DESC LIMIT $3`,
		ownerID, string(types.SeverityCritical), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: find critical lessons: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []types.LessonRecord
	for rows.Next() {
		rec, err := scanLesson(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan lesson: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// IncrementOccurrence bumps the occurrence counter and last_seen_at.
func (s *LessonStore) IncrementOccurrence(ctx context.Context, id string) error {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE lessons
		SET occurrences = occurrences + 1, last_seen_at = $1, updated_at = $2
		WHERE id = $3`, now, now, id)
	if err != nil {
		return fmt.Errorf("postgres: increment occurrence: %w", err)
	}
	return requireRow(result)
}

func scanLesson(r rowScanner) (*types.LessonRecord, error) {
	var (
		rec        types.LessonRecord
		sessionID  sql.NullString
		prevention sql.NullString
		severity   string
		lastSeenAt sql.NullTime
		blob       []byte
		dimension  int
	)
	if err := r.Scan(
		&rec.ID, &rec.OwnerID, &sessionID, &rec.Mistake, &rec.Correction,
		&prevention, &severity, &rec.Occurrences, &lastSeenAt,
		&blob, &dimension, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return finishLesson(&rec, sessionID, prevention, severity, lastSeenAt, blob, dimension)
}

func scanLessonWithRank(r rowScanner) (*types.LessonRecord, float64, error) {
	var (
		rec        types.LessonRecord
		sessionID  sql.NullString
		prevention sql.NullString
		severity   string
		lastSeenAt sql.NullTime
		blob       []byte
		dimension  int
		rank       float64
	)
	if err := r.Scan(
		&rec.ID, &rec.OwnerID, &sessionID, &rec.Mistake, &rec.Correction,
		&prevention, &severity, &rec.Occurrences, &lastSeenAt,
		&blob, &dimension, &rec.CreatedAt, &rec.UpdatedAt, &rank,
	); err != nil {
		return nil, 0, err
	}
	finished, err := finishLesson(&rec, sessionID, prevention, severity, lastSeenAt, blob, dimension)
	return finished, rank, err
}

func finishLesson(rec *types.LessonRecord, sessionID, prevention sql.NullString, severity string, lastSeenAt sql.NullTime, blob []byte, dimension int) (*types.LessonRecord, error) {
	rec.SessionID = sessionID.String
	rec.Prevention = prevention.String
	rec.Severity = types.LessonSeverity(severity)
	if lastSeenAt.Valid {
		t := lastSeenAt.Time
		rec.LastSeenAt = &t
	}
	vec, err := decodeVector(blob, dimension)
	if err != nil {
		return nil, err
	}
	rec.Embedding = vec
	return rec, nil
}
