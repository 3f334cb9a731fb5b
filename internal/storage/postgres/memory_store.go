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

// scanCandidateLimit caps how many embeddings the scan fallback loads when
// pgvector is not installed.
const scanCandidateLimit = 10_000

// MemoryStore implements storage.MemoryStore on PostgreSQL.
type MemoryStore struct {
	db              *sql.DB
	vectorAvailable bool
}

const memoryColumns = `id, owner_id, session_id, kind, content, embedding, dimension,
	importance, access_count, last_accessed_at, created_at, updated_at`

// Create inserts a new memory item.
func (s *MemoryStore) Create(ctx context.Context, item *types.MemoryItem) error {
	if item == nil || item.ID == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	if item.Content == "" {
		return fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}

	query := `
		INSERT INTO memories (` + memoryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	args := []any{
		item.ID,
		item.OwnerID,
		nullString(item.SessionID),
		string(item.Kind),
		item.Content,
		encodeVector(item.Embedding),
		len(item.Embedding),
		item.Importance,
		item.AccessCount,
		nullTime(item.LastAccessedAt),
		item.CreatedAt,
		item.UpdatedAt,
	}
	if s.vectorAvailable {
		query = `
			INSERT INTO memories (` + memoryColumns + `, embedding_vec)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
		args = append(args, pgVector(item.Embedding))
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: create memory: %w", err)
	}
	return nil
}

// Get retrieves a memory by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
	item, err := scanMemory(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get memory: %w", err)
	}
	return item, nil
}

// Update replaces a memory's mutable fields.
func (s *MemoryStore) Update(ctx context.Context, item *types.MemoryItem) error {
	item.UpdatedAt = time.Now()

	query := `
		UPDATE memories SET
			content = $1, embedding = $2, dimension = $3, importance = $4,
			access_count = $5, last_accessed_at = $6, updated_at = $7
		WHERE id = $8`
	args := []any{
		item.Content,
		encodeVector(item.Embedding),
		len(item.Embedding),
		item.Importance,
		item.AccessCount,
		nullTime(item.LastAccessedAt),
		item.UpdatedAt,
		item.ID,
	}
	if s.vectorAvailable {
		query = `
			UPDATE memories SET
				content = $1, embedding = $2, dimension = $3, importance = $4,
				access_count = $5, last_accessed_at = $6, updated_at = $7,
				embedding_vec = $9
			WHERE id = $8`
		args = append(args, pgVector(item.Embedding))
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update memory: %w", err)
	}
	return requireRow(result)
}

// Delete permanently removes a memory.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete memory: %w", err)
	}
	return requireRow(result)
}

// Search returns relevance candidates with tsvector lexical and, when a
// query embedding is supplied, cosine vector sub-scores.
func (s *MemoryStore) Search(ctx context.Context, ownerID, query string, opts storage.SearchOptions) ([]storage.ScoredMemory, error) {
	opts.Normalize()

	byID := make(map[string]int)
	var results []storage.ScoredMemory

	if strings.TrimSpace(query) != "" {
		kindFilter, kindArgs := kindClause(3, "kind", opts.Kinds)
		args := append([]any{query, ownerID}, kindArgs...)
		args = append(args, opts.Limit)

		rows, err := s.db.QueryContext(ctx, `
			SELECT `+memoryColumns+`,
				ts_rank_cd(content_tsv, plainto_tsquery('english', $1), 32) AS rank
			FROM memories
			WHERE content_tsv @@ plainto_tsquery('english', $1)
			  AND owner_id = $2`+kindFilter+`
			ORDER BY rank DESC
			LIMIT $`+fmt.Sprint(len(args)), args...)
		if err != nil {
			return nil, fmt.Errorf("postgres: search %q: %w", query, err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			item, _, err := scanMemoryWithRank(rows)
			if err != nil {
				return nil, fmt.Errorf("postgres: search scan: %w", err)
			}
			byID[item.ID] = len(results)
			results = append(results, storage.ScoredMemory{
				Item:         *item,
				LexicalScore: lexicalScore(len(results)),
			})
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("postgres: search rows: %w", err)
		}
	}

	if len(opts.Embedding) > 0 {
		if err := s.vectorCandidates(ctx, ownerID, opts, byID, &results); err != nil {
			return nil, err
		}
	}

	return results, nil
}

func (s *MemoryStore) vectorCandidates(ctx context.Context, ownerID string, opts storage.SearchOptions, byID map[string]int, results *[]storage.ScoredMemory) error {
	if s.vectorAvailable {
		kindFilter, kindArgs := kindClause(3, "kind", opts.Kinds)
		args := append([]any{pgVector(opts.Embedding), ownerID}, kindArgs...)
		args = append(args, opts.Limit)

		rows, err := s.db.QueryContext(ctx, `
			SELECT `+memoryColumns+`, embedding_vec <=> $1::vector AS distance
			FROM memories
			WHERE embedding_vec IS NOT NULL AND owner_id = $2`+kindFilter+`
			ORDER BY distance ASC
			LIMIT $`+fmt.Sprint(len(args)), args...)
		if err != nil {
			return fmt.Errorf("postgres: vector candidates: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			item, distance, err := scanMemoryWithRank(rows)
			if err != nil {
				return fmt.Errorf("postgres: vector scan: %w", err)
			}
			sim := cosineScore(distance)
			if sim <= 0 {
				continue
			}
			mergeScoredMemory(byID, results, *item, sim)
		}
		return rows.Err()
	}

	// Scan fallback: decode BYTEA embeddings and rank in process.
	kindFilter, kindArgs := kindClause(2, "kind", opts.Kinds)
	args := append([]any{ownerID}, kindArgs...)
	args = append(args, scanCandidateLimit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE owner_id = $1 AND embedding IS NOT NULL`+kindFilter+`
		ORDER BY created_at DESC
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return fmt.Errorf("postgres: vector fallback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return fmt.Errorf("postgres: vector fallback scan: %w", err)
		}
		sim := embedding.CosineSimilarity(opts.Embedding, item.Embedding)
		if sim <= 0 {
			continue
		}
		mergeScoredMemory(byID, results, *item, sim)
	}
	return rows.Err()
}

func mergeScoredMemory(byID map[string]int, results *[]storage.ScoredMemory, item types.MemoryItem, sim float64) {
	if idx, ok := byID[item.ID]; ok {
		(*results)[idx].VectorScore = sim
		return
	}
	byID[item.ID] = len(*results)
	*results = append(*results, storage.ScoredMemory{Item: item, VectorScore: sim})
}

// FindBySession returns an owner's memories for one session, newest first.
func (s *MemoryStore) FindBySession(ctx context.Context, ownerID, sessionID string, limit int) ([]types.MemoryItem, error) {
	return s.queryItems(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE owner_id = $1 AND session_id = $2
		ORDER BY created_at DESC LIMIT $3`, ownerID, sessionID, limit)
}

// FindHighImportance returns memories with importance >= min, highest first.
func (s *MemoryStore) FindHighImportance(ctx context.Context, ownerID string, min float64, limit int) ([]types.MemoryItem, error) {
	return s.queryItems(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE owner_id = $1 AND importance >= $2
		ORDER BY importance DESC LIMIT $3`, ownerID, min, limit)
}

// FindRecentEmbedded returns the newest embedded memories.
func (s *MemoryStore) FindRecentEmbedded(ctx context.Context, ownerID string, limit int) ([]types.MemoryItem, error) {
	return s.queryItems(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE owner_id = $1 AND embedding IS NOT NULL
		ORDER BY created_at DESC LIMIT $2`, ownerID, limit)
}

// FindDecayCandidates returns memories matching the decay criteria.
func (s *MemoryStore) FindDecayCandidates(ctx context.Context, ownerID string, c storage.DecayCriteria) ([]types.MemoryItem, error) {
	return s.queryItems(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE owner_id = $1
		  AND importance > $2
		  AND access_count <= $3
		  AND COALESCE(last_accessed_at, created_at) < $4
		ORDER BY COALESCE(last_accessed_at, created_at) ASC
		LIMIT $5`, ownerID, c.MinImportance, c.MaxAccessCount, c.AccessedBefore, c.Limit)
}

// FindPruneCandidates returns memories at or below the importance cutoff,
// weakest first.
func (s *MemoryStore) FindPruneCandidates(ctx context.Context, ownerID string, max float64, limit int) ([]types.MemoryItem, error) {
	return s.queryItems(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE owner_id = $1 AND importance <= $2
		ORDER BY importance ASC, created_at DESC
		LIMIT $3`, ownerID, max, limit)
}

// RecordAccess bumps access counts and last_accessed_at for the given IDs.
func (s *MemoryStore) RecordAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now())
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET access_count = access_count + 1, last_accessed_at = $1
		WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return fmt.Errorf("postgres: record access: %w", err)
	}
	return nil
}

// Stats summarizes the owner's memory set.
func (s *MemoryStore) Stats(ctx context.Context, ownerID string, lowValueMax float64, staleBefore time.Time) (*storage.MemoryStats, error) {
	stats := &storage.MemoryStats{ByKind: make(map[types.MemoryKind]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN importance <= $1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN COALESCE(last_accessed_at, created_at) < $2 THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(importance), 0)
		FROM memories WHERE owner_id = $3`,
		lowValueMax, staleBefore, ownerID,
	).Scan(&stats.Total, &stats.LowValue, &stats.Stale, &stats.AvgImportance)
	if err != nil {
		return nil, fmt.Errorf("postgres: memory stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM memories WHERE owner_id = $1 GROUP BY kind`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: memory stats by kind: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("postgres: memory stats scan: %w", err)
		}
		stats.ByKind[types.MemoryKind(kind)] = count
	}
	return stats, rows.Err()
}

// Close closes the underlying database connection.
func (s *MemoryStore) Close() error {
	return s.db.Close()
}

func (s *MemoryStore) queryItems(ctx context.Context, query string, args ...any) ([]types.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []types.MemoryItem
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func scanMemory(r rowScanner) (*types.MemoryItem, error) {
	var (
		item           types.MemoryItem
		sessionID      sql.NullString
		kind           string
		blob           []byte
		dimension      int
		lastAccessedAt sql.NullTime
	)
	if err := r.Scan(
		&item.ID, &item.OwnerID, &sessionID, &kind, &item.Content,
		&blob, &dimension, &item.Importance, &item.AccessCount,
		&lastAccessedAt, &item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return finishMemory(&item, sessionID, kind, blob, dimension, lastAccessedAt)
}

func scanMemoryWithRank(r rowScanner) (*types.MemoryItem, float64, error) {
	var (
		item           types.MemoryItem
		sessionID      sql.NullString
		kind           string
		blob           []byte
		dimension      int
		lastAccessedAt sql.NullTime
		rank           float64
	)
	if err := r.Scan(
		&item.ID, &item.OwnerID, &sessionID, &kind, &item.Content,
		&blob, &dimension, &item.Importance, &item.AccessCount,
		&lastAccessedAt, &item.CreatedAt, &item.UpdatedAt, &rank,
	); err != nil {
		return nil, 0, err
	}
	finished, err := finishMemory(&item, sessionID, kind, blob, dimension, lastAccessedAt)
	return finished, rank, err
}

func finishMemory(item *types.MemoryItem, sessionID sql.NullString, kind string, blob []byte, dimension int, lastAccessedAt sql.NullTime) (*types.MemoryItem, error) {
	item.Kind = types.MemoryKind(kind)
	if sessionID.Valid {
		item.SessionID = sessionID.String
	}
	if lastAccessedAt.Valid {
		t := lastAccessedAt.Time
		item.LastAccessedAt = &t
	}
	vec, err := decodeVector(blob, dimension)
	if err != nil {
		return nil, err
	}
	item.Embedding = vec
	return item, nil
}

// kindClause builds an "AND col IN ($n, ...)" filter starting at the given
// placeholder index.
func kindClause(firstArg int, col string, kinds []types.MemoryKind) (string, []any) {
	if len(kinds) == 0 {
		return "", nil
	}
	parts := make([]string, len(kinds))
	args := make([]any, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("$%d", firstArg+i)
		args[i] = string(k)
	}
	return " AND " + col + " IN (" + strings.Join(parts, ",") + ")", args
}
