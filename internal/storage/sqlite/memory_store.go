package sqlite

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

// vectorCandidateLimit caps how many embeddings a vector search loads into
// memory. Candidates are taken newest first; for datasets beyond this the
// postgres backend with its pgvector index is the right tool.
const vectorCandidateLimit = 10_000

// MemoryStore implements storage.MemoryStore on SQLite.
type MemoryStore struct {
	db *sql.DB
}

const memoryColumns = `id, owner_id, session_id, kind, content, embedding, dimension,
	importance, access_count, last_accessed_at, created_at, updated_at`

const memoryColumnsPrefixed = `m.id, m.owner_id, m.session_id, m.kind, m.content, m.embedding, m.dimension,
	m.importance, m.access_count, m.last_accessed_at, m.created_at, m.updated_at`

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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
	)
	if err != nil {
		return fmt.Errorf("sqlite: create memory: %w", err)
	}
	return nil
}

// Get retrieves a memory by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	item, err := scanMemory(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get memory: %w", err)
	}
	return item, nil
}

// Update replaces a memory's mutable fields.
func (s *MemoryStore) Update(ctx context.Context, item *types.MemoryItem) error {
	item.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE memories SET
			content = ?, embedding = ?, dimension = ?, importance = ?,
			access_count = ?, last_accessed_at = ?, updated_at = ?
		WHERE id = ?`,
		item.Content,
		encodeVector(item.Embedding),
		len(item.Embedding),
		item.Importance,
		item.AccessCount,
		nullTime(item.LastAccessedAt),
		item.UpdatedAt,
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update memory: %w", err)
	}
	return requireRow(result)
}

// Delete permanently removes a memory.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete memory: %w", err)
	}
	return requireRow(result)
}

// Search returns relevance candidates with lexical (FTS5 bm25) and, when a
// query embedding is supplied, cosine vector sub-scores. Lexical matches
// come first in rank order; vector-only candidates follow by similarity.
func (s *MemoryStore) Search(ctx context.Context, ownerID, query string, opts storage.SearchOptions) ([]storage.ScoredMemory, error) {
	opts.Normalize()

	byID := make(map[string]int)
	var results []storage.ScoredMemory

	if match := ftsQuery(query); match != "" {
		kindFilter, kindArgs := kindClause("m.kind", opts.Kinds)
		args := append([]any{match, ownerID}, kindArgs...)
		args = append(args, opts.Limit)

		rows, err := s.db.QueryContext(ctx, `
			SELECT `+memoryColumnsPrefixed+`, fts.rank
			FROM memories_fts fts
			JOIN memories m ON m.rowid = fts.rowid
			WHERE memories_fts MATCH ? AND m.owner_id = ?`+kindFilter+`
			ORDER BY fts.rank
			LIMIT ?`, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite: search MATCH %q: %w", query, err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			item, _, err := scanMemoryWithRank(rows)
			if err != nil {
				return nil, fmt.Errorf("sqlite: search scan: %w", err)
			}
			byID[item.ID] = len(results)
			results = append(results, storage.ScoredMemory{
				Item:         *item,
				LexicalScore: lexicalScore(len(results)),
			})
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sqlite: search rows: %w", err)
		}
	}

	if len(opts.Embedding) > 0 {
		if err := s.vectorCandidates(ctx, ownerID, opts, byID, &results); err != nil {
			return nil, err
		}
	}

	return results, nil
}

// vectorCandidates scores the owner's embedded memories against the query
// vector and merges the top matches into results.
func (s *MemoryStore) vectorCandidates(ctx context.Context, ownerID string, opts storage.SearchOptions, byID map[string]int, results *[]storage.ScoredMemory) error {
	kindFilter, kindArgs := kindClause("kind", opts.Kinds)
	args := append([]any{ownerID}, kindArgs...)
	args = append(args, vectorCandidateLimit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE owner_id = ? AND embedding IS NOT NULL`+kindFilter+`
		ORDER BY created_at DESC
		LIMIT ?`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: vector candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type scored struct {
		item types.MemoryItem
		sim  float64
	}
	var candidates []scored
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return fmt.Errorf("sqlite: vector scan: %w", err)
		}
		sim := embedding.CosineSimilarity(opts.Embedding, item.Embedding)
		if sim <= 0 {
			continue
		}
		candidates = append(candidates, scored{item: *item, sim: sim})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: vector rows: %w", err)
	}

	for _, c := range candidates {
		if idx, ok := byID[c.item.ID]; ok {
			(*results)[idx].VectorScore = c.sim
			continue
		}
		byID[c.item.ID] = len(*results)
		*results = append(*results, storage.ScoredMemory{
			Item:        c.item,
			VectorScore: c.sim,
		})
	}
	return nil
}

// FindBySession returns an owner's memories for one session, newest first.
func (s *MemoryStore) FindBySession(ctx context.Context, ownerID, sessionID string, limit int) ([]types.MemoryItem, error) {
	return s.queryItems(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE owner_id = ? AND session_id = ?
		ORDER BY created_at DESC LIMIT ?`, ownerID, sessionID, limit)
}

// FindHighImportance returns memories with importance >= min, highest first.
func (s *MemoryStore) FindHighImportance(ctx context.Context, ownerID string, min float64, limit int) ([]types.MemoryItem, error) {
	return s.queryItems(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE owner_id = ? AND importance >= ?
		ORDER BY importance DESC LIMIT ?`, ownerID, min, limit)
}

// FindRecentEmbedded returns the newest embedded memories.
func (s *MemoryStore) FindRecentEmbedded(ctx context.Context, ownerID string, limit int) ([]types.MemoryItem, error) {
	return s.queryItems(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE owner_id = ? AND embedding IS NOT NULL
		ORDER BY created_at DESC LIMIT ?`, ownerID, limit)
}

// FindDecayCandidates returns memories matching the decay criteria. The
// access reference is last_accessed_at when set, created_at otherwise.
func (s *MemoryStore) FindDecayCandidates(ctx context.Context, ownerID string, c storage.DecayCriteria) ([]types.MemoryItem, error) {
	return s.queryItems(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE owner_id = ?
		  AND importance > ?
		  AND access_count <= ?
		  AND COALESCE(last_accessed_at, created_at) < ?
		ORDER BY COALESCE(last_accessed_at, created_at) ASC
		LIMIT ?`, ownerID, c.MinImportance, c.MaxAccessCount, c.AccessedBefore, c.Limit)
}

// FindPruneCandidates returns memories at or below the importance cutoff,
// weakest first.
func (s *MemoryStore) FindPruneCandidates(ctx context.Context, ownerID string, max float64, limit int) ([]types.MemoryItem, error) {
	return s.queryItems(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE owner_id = ? AND importance <= ?
		ORDER BY importance ASC, created_at DESC
		LIMIT ?`, ownerID, max, limit)
}

// RecordAccess bumps access counts and last_accessed_at for the given IDs
// in one statement. Unknown IDs are ignored.
func (s *MemoryStore) RecordAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now())
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: record access: %w", err)
	}
	return nil
}

// Stats summarizes the owner's memory set.
func (s *MemoryStore) Stats(ctx context.Context, ownerID string, lowValueMax float64, staleBefore time.Time) (*storage.MemoryStats, error) {
	stats := &storage.MemoryStats{ByKind: make(map[types.MemoryKind]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN importance <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN COALESCE(last_accessed_at, created_at) < ? THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(importance), 0)
		FROM memories WHERE owner_id = ?`,
		lowValueMax, staleBefore, ownerID,
	).Scan(&stats.Total, &stats.LowValue, &stats.Stale, &stats.AvgImportance)
	if err != nil {
		return nil, fmt.Errorf("sqlite: memory stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM memories WHERE owner_id = ? GROUP BY kind`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: memory stats by kind: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("sqlite: memory stats scan: %w", err)
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
		return nil, fmt.Errorf("sqlite: query memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []types.MemoryItem
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan memory: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
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

// kindClause builds an "AND col IN (...)" filter for the given kinds.
func kindClause(col string, kinds []types.MemoryKind) (string, []any) {
	if len(kinds) == 0 {
		return "", nil
	}
	placeholders := strings.Repeat("?,", len(kinds))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(kinds))
	for i, k := range kinds {
		args[i] = string(k)
	}
	return " AND " + col + " IN (" + placeholders + ")", args
}

// nullTime maps a nil pointer to NULL.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// requireRow converts a zero-row update or delete into ErrNotFound.
func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
