// Package sqlite implements the Kennel store contracts on SQLite with
// FTS5 lexical indexes and BLOB-encoded embedding vectors.
package sqlite

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/kennelworks/kennel/internal/storage"
)

// Store owns the database connection and hands out the per-entity store
// implementations. All four share one connection: SQLite supports a single
// concurrent writer, so a one-connection pool serialises writes and avoids
// SQLITE_BUSY under concurrent load, while WAL mode keeps readers from
// blocking the writer.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at dsn, configures WAL mode,
// and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Memories returns the memory store backed by this database.
func (s *Store) Memories() *MemoryStore { return &MemoryStore{db: s.db} }

// Decisions returns the decision store backed by this database.
func (s *Store) Decisions() *DecisionStore { return &DecisionStore{db: s.db} }

// Lessons returns the lesson store backed by this database.
func (s *Store) Lessons() *LessonStore { return &LessonStore{db: s.db} }

// Trajectories returns the trajectory store backed by this database.
func (s *Store) Trajectories() *TrajectoryStore { return &TrajectoryStore{db: s.db} }

// encodeVector serializes an embedding as little-endian float64 bytes.
// A nil or empty vector encodes as nil so the column stays NULL.
func encodeVector(vec []float64) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeVector deserializes an embedding blob. dimension validates the
// buffer size; zero dimension with an empty blob decodes to nil.
func decodeVector(buf []byte, dimension int) ([]float64, error) {
	if dimension == 0 && len(buf) == 0 {
		return nil, nil
	}
	if len(buf) != dimension*8 {
		return nil, fmt.Errorf("sqlite: embedding blob is %d bytes, want %d", len(buf), dimension*8)
	}
	vec := make([]float64, dimension)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec, nil
}

// lexicalScore converts a match's position in the rank-ordered result set
// into a score in (0, 1], best position first. Raw bm25 magnitudes are
// corpus-dependent (FTS5 floors idf near zero when a term appears in most
// rows, which is the norm for small corpora), so position is the only
// signal that survives normalization.
func lexicalScore(position int) float64 {
	return 1 / (1 + float64(position))
}

// ftsQuery converts free-form query text into a safe FTS5 MATCH
// expression: special characters stripped, each remaining word turned into
// a prefix term, OR semantics for recall. FTS5 syntax is fragile: an
// unbalanced quote or a stray uppercase AND in raw input produces
// "fts5: syntax error".
func ftsQuery(query string) string {
	replacer := strings.NewReplacer(
		`"`, ` `,
		`'`, ` `,
		`(`, ` `,
		`)`, ` `,
		`*`, ` `,
		`-`, ` `,
		`^`, ` `,
		`?`, ` `,
		`:`, ` `,
		`.`, ` `,
		`/`, ` `,
	)
	words := strings.Fields(strings.ToLower(replacer.Replace(query)))

	var terms []string
	for _, w := range words {
		if len(w) >= 2 {
			terms = append(terms, w+"*")
		}
	}
	return strings.Join(terms, " OR ")
}

// nullString maps an empty string to NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ storage.MemoryStore = (*MemoryStore)(nil)
var _ storage.DecisionStore = (*DecisionStore)(nil)
var _ storage.LessonStore = (*LessonStore)(nil)
var _ storage.TrajectoryStore = (*TrajectoryStore)(nil)
