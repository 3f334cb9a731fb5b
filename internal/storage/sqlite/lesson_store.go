package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kennelworks/kennel/internal/embedding"
	"github.com/kennelworks/kennel/internal/storage"
	"github.com/kennelworks/kennel/pkg/types"
)

// LessonStore implements storage.LessonStore on SQLite.
type LessonStore struct {
	db *sql.DB
}

const lessonColumns = `id, owner_id, session_id, mistake, correction, prevention,
	severity, occurrences, last_seen_at, embedding, dimension, created_at, updated_at`

const lessonColumnsPrefixed = `l.id, l.owner_id, l.session_id, l.mistake, l.correction, l.prevention,
	l.severity, l.occurrences, l.last_seen_at, l.embedding, l.dimension, l.created_at, l.updated_at`

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
	if rec.Occurrences == 0 {
		rec.Occurrences = 1
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lessons (`+lessonColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.OwnerID,
		nullString(rec.SessionID),
		rec.Mistake,
		nullString(rec.Correction),
		nullString(rec.Prevention),
		string(rec.Severity),
		rec.Occurrences,
		nullTime(rec.LastSeenAt),
		encodeVector(rec.Embedding),
		len(rec.Embedding),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: create lesson: %w", err)
	}
	return nil
}

// Get retrieves a lesson by ID.
func (s *LessonStore) Get(ctx context.Context, id string) (*types.LessonRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lessonColumns+` FROM lessons WHERE id = ?`, id)
	rec, err := scanLesson(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get lesson: %w", err)
	}
	return rec, nil
}

// Search returns lessons relevant to the query text with lexical and,
// when a query embedding is supplied, cosine vector sub-scores.
func (s *LessonStore) Search(ctx context.Context, ownerID, query string, opts storage.SearchOptions) ([]storage.ScoredLesson, error) {
	opts.Normalize()

	byID := make(map[string]int)
	var results []storage.ScoredLesson

	if match := ftsQuery(query); match != "" {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+lessonColumnsPrefixed+`, fts.rank
			FROM lessons_fts fts
			JOIN lessons l ON l.rowid = fts.rowid
			WHERE lessons_fts MATCH ? AND l.owner_id = ?
			ORDER BY fts.rank
			LIMIT ?`, match, ownerID, opts.Limit)
		if err != nil {
			return nil, fmt.Errorf("sqlite: lesson search MATCH %q: %w", query, err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			rec, _, err := scanLessonWithRank(rows)
			if err != nil {
				return nil, fmt.Errorf("sqlite: lesson search scan: %w", err)
			}
			byID[rec.ID] = len(results)
			results = append(results, storage.ScoredLesson{
				Record:       *rec,
				LexicalScore: lexicalScore(len(results)),
			})
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sqlite: lesson search rows: %w", err)
		}
	}

	if len(opts.Embedding) > 0 {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+lessonColumns+` FROM lessons
			WHERE owner_id = ? AND embedding IS NOT NULL
			ORDER BY created_at DESC
			LIMIT ?`, ownerID, vectorCandidateLimit)
		if err != nil {
			return nil, fmt.Errorf("sqlite: lesson vector candidates: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			rec, err := scanLesson(rows)
			if err != nil {
				return nil, fmt.Errorf("sqlite: lesson vector scan: %w", err)
			}
			sim := embedding.CosineSimilarity(opts.Embedding, rec.Embedding)
			if sim <= 0 {
				continue
			}
			if idx, ok := byID[rec.ID]; ok {
				results[idx].VectorScore = sim
				continue
			}
			byID[rec.ID] = len(results)
			results = append(results, storage.ScoredLesson{
				Record:      *rec,
				VectorScore: sim,
			})
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sqlite: lesson vector rows: %w", err)
		}
	}

	return results, nil
}

// FindCritical returns the owner's critical-severity lessons, newest
// first.
func (s *LessonStore) FindCritical(ctx context.Context, ownerID string, limit int) ([]types.LessonRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+lessonColumns+` FROM lessons
		WHERE owner_id = ? AND severity = ?
		ORDER BY created_at DESC LIMIT ?`,
		ownerID, string(types.SeverityCritical), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find critical lessons: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []types.LessonRecord
	for rows.Next() {
		rec, err := scanLesson(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan lesson: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// IncrementOccurrence bumps the occurrence counter and refreshes
// last_seen_at in one statement.
func (s *LessonStore) IncrementOccurrence(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE lessons
		SET occurrences = occurrences + 1, last_seen_at = ?, updated_at = ?
		WHERE id = ?`, time.Now(), time.Now(), id)
	if err != nil {
		return fmt.Errorf("sqlite: increment occurrence: %w", err)
	}
	return requireRow(result)
}

func scanLesson(r rowScanner) (*types.LessonRecord, error) {
	var (
		rec        types.LessonRecord
		sessionID  sql.NullString
		correction sql.NullString
		prevention sql.NullString
		severity   string
		lastSeenAt sql.NullTime
		blob       []byte
		dimension  int
	)
	if err := r.Scan(
		&rec.ID, &rec.OwnerID, &sessionID, &rec.Mistake, &correction,
		&prevention, &severity, &rec.Occurrences, &lastSeenAt,
		&blob, &dimension, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.SessionID = sessionID.String
	rec.Correction = correction.String
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
	return &rec, nil
}

func scanLessonWithRank(r rowScanner) (*types.LessonRecord, float64, error) {
	var (
		rec        types.LessonRecord
		sessionID  sql.NullString
		correction sql.NullString
		prevention sql.NullString
		severity   string
		lastSeenAt sql.NullTime
		blob       []byte
		dimension  int
		rank       float64
	)
	if err := r.Scan(
		&rec.ID, &rec.OwnerID, &sessionID, &rec.Mistake, &correction,
		&prevention, &severity, &rec.Occurrences, &lastSeenAt,
		&blob, &dimension, &rec.CreatedAt, &rec.UpdatedAt, &rank,
	); err != nil {
		return nil, 0, err
	}
	rec.SessionID = sessionID.String
	rec.Correction = correction.String
	rec.Prevention = prevention.String
	rec.Severity = types.LessonSeverity(severity)
	if lastSeenAt.Valid {
		t := lastSeenAt.Time
		rec.LastSeenAt = &t
	}
	vec, err := decodeVector(blob, dimension)
	if err != nil {
		return nil, 0, err
	}
	rec.Embedding = vec
	return &rec, rank, nil
}
