package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kennelworks/kennel/internal/storage"
	"github.com/kennelworks/kennel/pkg/types"
)

// newTestStore opens an in-memory database. Open runs the full Schema, so
// no additional DDL is needed in tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testMemory(id, ownerID, content string) *types.MemoryItem {
	now := time.Now().UTC().Truncate(time.Second)
	return &types.MemoryItem{
		ID:         id,
		OwnerID:    ownerID,
		Kind:       types.KindInsight,
		Content:    content,
		Importance: 0.5,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	store := newTestStore(t).Memories()
	ctx := context.Background()

	accessed := time.Now().UTC().Truncate(time.Second)
	item := testMemory("mem-1", "owner-1", "prefers table-driven tests")
	item.SessionID = "sess-1"
	item.Kind = types.KindPreference
	item.Importance = 0.7
	item.AccessCount = 3
	item.LastAccessedAt = &accessed
	item.Embedding = []float64{0.1, 0.2, 0.3}

	if err := store.Create(ctx, item); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	got, err := store.Get(ctx, "mem-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.SessionID != "sess-1" {
		t.Errorf("SessionID: got %q, want %q", got.SessionID, "sess-1")
	}
	if got.Kind != types.KindPreference {
		t.Errorf("Kind: got %q, want %q", got.Kind, types.KindPreference)
	}
	if got.Importance != 0.7 {
		t.Errorf("Importance: got %f, want 0.7", got.Importance)
	}
	if got.AccessCount != 3 {
		t.Errorf("AccessCount: got %d, want 3", got.AccessCount)
	}
	if got.LastAccessedAt == nil || !got.LastAccessedAt.Equal(accessed) {
		t.Errorf("LastAccessedAt: got %v, want %v", got.LastAccessedAt, accessed)
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != 0.2 {
		t.Errorf("Embedding: got %v, want [0.1 0.2 0.3]", got.Embedding)
	}
}

func TestMemoryGetNotFound(t *testing.T) {
	store := newTestStore(t).Memories()

	_, err := store.Get(context.Background(), "no-such-id")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get() error: got %v, want ErrNotFound", err)
	}
}

func TestMemoryUpdateAndDelete(t *testing.T) {
	store := newTestStore(t).Memories()
	ctx := context.Background()

	item := testMemory("mem-1", "owner-1", "original content")
	if err := store.Create(ctx, item); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	item.Content = "revised content"
	item.Importance = 0.9
	if err := store.Update(ctx, item); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	got, err := store.Get(ctx, "mem-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Content != "revised content" {
		t.Errorf("Content: got %q, want %q", got.Content, "revised content")
	}
	if got.Importance != 0.9 {
		t.Errorf("Importance: got %f, want 0.9", got.Importance)
	}

	if err := store.Delete(ctx, "mem-1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Get(ctx, "mem-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get() after delete: got %v, want ErrNotFound", err)
	}

	if err := store.Update(ctx, item); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Update() on missing row: got %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "mem-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Delete() on missing row: got %v, want ErrNotFound", err)
	}
}

func TestMemorySearchLexical(t *testing.T) {
	store := newTestStore(t).Memories()
	ctx := context.Background()

	seed := []*types.MemoryItem{
		testMemory("mem-1", "owner-1", "always run the linter before committing go code"),
		testMemory("mem-2", "owner-1", "the database connection pool is capped at one"),
		testMemory("mem-3", "owner-2", "linter configuration lives in the repo root"),
	}
	for _, item := range seed {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("Create(%s) failed: %v", item.ID, err)
		}
	}

	results, err := store.Search(ctx, "owner-1", "linter", storage.SearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Search(): got %d results, want 1", len(results))
	}
	if results[0].Item.ID != "mem-1" {
		t.Errorf("top result: got %q, want mem-1", results[0].Item.ID)
	}
	if results[0].LexicalScore <= 0 {
		t.Errorf("LexicalScore: got %f, want > 0", results[0].LexicalScore)
	}
	if results[0].VectorScore != 0 {
		t.Errorf("VectorScore without query vector: got %f, want 0", results[0].VectorScore)
	}
}

func TestMemorySearchLexicalScoreClearsRelevanceFloor(t *testing.T) {
	store := newTestStore(t).Memories()
	ctx := context.Background()

	// bm25 magnitudes collapse toward zero on small corpora where the
	// query terms appear in most rows; position scoring must keep the top
	// match usable. Blended lexical-only scoring multiplies by 0.382, so
	// the top score must stay well above 0.618 for the result to clear a
	// 0.236 relevance floor.
	seed := []*types.MemoryItem{
		testMemory("m1", "owner-1", "the deploy pipeline caches node modules between runs"),
		testMemory("m2", "owner-1", "the deploy pipeline publishes images after tests pass"),
		testMemory("m3", "owner-1", "the deploy pipeline requires a signed tag"),
	}
	for _, item := range seed {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("Create(%s) failed: %v", item.ID, err)
		}
	}

	results, err := store.Search(ctx, "owner-1", "deploy pipeline cache", storage.SearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Search(): got no results")
	}
	if results[0].LexicalScore < 0.99 {
		t.Errorf("top LexicalScore: got %f, want ~1", results[0].LexicalScore)
	}
	for i := 1; i < len(results); i++ {
		if results[i].LexicalScore >= results[i-1].LexicalScore {
			t.Errorf("LexicalScore not strictly decreasing at %d: %f >= %f",
				i, results[i].LexicalScore, results[i-1].LexicalScore)
		}
	}
}

func TestMemorySearchKindFilter(t *testing.T) {
	store := newTestStore(t).Memories()
	ctx := context.Background()

	pref := testMemory("mem-1", "owner-1", "deploy scripts live under ops")
	pref.Kind = types.KindPreference
	correction := testMemory("mem-2", "owner-1", "deploy targets the staging cluster first")
	correction.Kind = types.KindCorrection
	for _, item := range []*types.MemoryItem{pref, correction} {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("Create(%s) failed: %v", item.ID, err)
		}
	}

	results, err := store.Search(ctx, "owner-1", "deploy", storage.SearchOptions{
		Kinds: []types.MemoryKind{types.KindCorrection},
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 1 || results[0].Item.ID != "mem-2" {
		t.Fatalf("kind filter: got %v, want only mem-2", resultIDs(results))
	}
}

func TestMemorySearchBlendsVectorCandidates(t *testing.T) {
	store := newTestStore(t).Memories()
	ctx := context.Background()

	// No lexical overlap with the query; only the vector path can find it.
	semantic := testMemory("mem-vec", "owner-1", "golden ratio weighting for scores")
	semantic.Embedding = []float64{1, 0, 0}
	lexical := testMemory("mem-lex", "owner-1", "retrieval pipeline notes")
	for _, item := range []*types.MemoryItem{semantic, lexical} {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("Create(%s) failed: %v", item.ID, err)
		}
	}

	results, err := store.Search(ctx, "owner-1", "retrieval", storage.SearchOptions{
		Embedding: []float64{1, 0, 0},
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	byID := map[string]storage.ScoredMemory{}
	for _, r := range results {
		byID[r.Item.ID] = r
	}
	vec, ok := byID["mem-vec"]
	if !ok {
		t.Fatalf("vector-only candidate missing from results: %v", resultIDs(results))
	}
	if vec.VectorScore < 0.999 {
		t.Errorf("VectorScore for identical vectors: got %f, want ~1", vec.VectorScore)
	}
	lex, ok := byID["mem-lex"]
	if !ok {
		t.Fatalf("lexical candidate missing from results: %v", resultIDs(results))
	}
	if lex.LexicalScore <= 0 {
		t.Errorf("LexicalScore: got %f, want > 0", lex.LexicalScore)
	}
}

func TestMemoryFindBySession(t *testing.T) {
	store := newTestStore(t).Memories()
	ctx := context.Background()

	a := testMemory("mem-1", "owner-1", "first")
	a.SessionID = "sess-1"
	a.CreatedAt = time.Now().Add(-2 * time.Hour)
	b := testMemory("mem-2", "owner-1", "second")
	b.SessionID = "sess-1"
	c := testMemory("mem-3", "owner-1", "other session")
	c.SessionID = "sess-2"
	for _, item := range []*types.MemoryItem{a, b, c} {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("Create(%s) failed: %v", item.ID, err)
		}
	}

	items, err := store.FindBySession(ctx, "owner-1", "sess-1", 10)
	if err != nil {
		t.Fatalf("FindBySession() failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("FindBySession(): got %d items, want 2", len(items))
	}
	if items[0].ID != "mem-2" {
		t.Errorf("newest first: got %q, want mem-2", items[0].ID)
	}
}

func TestMemoryFindDecayCandidates(t *testing.T) {
	store := newTestStore(t).Memories()
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.Add(-30 * 24 * time.Hour)

	stale := testMemory("mem-stale", "owner-1", "stale and rarely touched")
	stale.CreatedAt = old
	stale.LastAccessedAt = &old

	hot := testMemory("mem-hot", "owner-1", "heavily accessed")
	hot.CreatedAt = old
	hot.LastAccessedAt = &old
	hot.AccessCount = 50

	fresh := testMemory("mem-fresh", "owner-1", "accessed yesterday")
	recent := now.Add(-24 * time.Hour)
	fresh.CreatedAt = old
	fresh.LastAccessedAt = &recent

	floor := testMemory("mem-floor", "owner-1", "already at the floor")
	floor.CreatedAt = old
	floor.Importance = 0.1

	// Never accessed: created_at stands in for last_accessed_at.
	untouched := testMemory("mem-untouched", "owner-1", "never read since creation")
	untouched.CreatedAt = old

	for _, item := range []*types.MemoryItem{stale, hot, fresh, floor, untouched} {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("Create(%s) failed: %v", item.ID, err)
		}
	}

	candidates, err := store.FindDecayCandidates(ctx, "owner-1", storage.DecayCriteria{
		MinImportance:  0.236,
		MaxAccessCount: 2,
		AccessedBefore: now.Add(-13 * 24 * time.Hour),
		Limit:          10,
	})
	if err != nil {
		t.Fatalf("FindDecayCandidates() failed: %v", err)
	}
	got := map[string]bool{}
	for _, item := range candidates {
		got[item.ID] = true
	}
	if len(candidates) != 2 || !got["mem-stale"] || !got["mem-untouched"] {
		t.Errorf("candidates: got %v, want mem-stale and mem-untouched", candidates)
	}
}

func TestMemoryFindPruneCandidatesOrderAndCap(t *testing.T) {
	store := newTestStore(t).Memories()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		item := testMemory(fmt.Sprintf("mem-%d", i), "owner-1", "low value")
		item.Importance = 0.05 * float64(i+1)
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	keep := testMemory("mem-keep", "owner-1", "valuable")
	keep.Importance = 0.9
	if err := store.Create(ctx, keep); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	items, err := store.FindPruneCandidates(ctx, "owner-1", 0.236, 3)
	if err != nil {
		t.Fatalf("FindPruneCandidates() failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("limit: got %d items, want 3", len(items))
	}
	if items[0].ID != "mem-0" {
		t.Errorf("lowest importance first: got %q, want mem-0", items[0].ID)
	}
}

func TestMemoryRecordAccess(t *testing.T) {
	store := newTestStore(t).Memories()
	ctx := context.Background()

	item := testMemory("mem-1", "owner-1", "tracked")
	if err := store.Create(ctx, item); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if err := store.RecordAccess(ctx, []string{"mem-1", "no-such-id"}); err != nil {
		t.Fatalf("RecordAccess() failed: %v", err)
	}

	got, err := store.Get(ctx, "mem-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.AccessCount != 1 {
		t.Errorf("AccessCount: got %d, want 1", got.AccessCount)
	}
	if got.LastAccessedAt == nil {
		t.Error("LastAccessedAt: got nil, want non-nil")
	}
}

func TestMemoryStats(t *testing.T) {
	store := newTestStore(t).Memories()
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-30 * 24 * time.Hour)

	low := testMemory("mem-low", "owner-1", "low value")
	low.Importance = 0.1
	summary := testMemory("mem-summary", "owner-1", "a session recap")
	summary.Kind = types.KindSummary
	stale := testMemory("mem-stale", "owner-1", "stale")
	stale.CreatedAt = old
	stale.LastAccessedAt = &old
	other := testMemory("mem-other", "owner-2", "different owner")

	for _, item := range []*types.MemoryItem{low, summary, stale, other} {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("Create(%s) failed: %v", item.ID, err)
		}
	}

	stats, err := store.Stats(ctx, "owner-1", 0.236, now.Add(-13*24*time.Hour))
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total: got %d, want 3", stats.Total)
	}
	if stats.LowValue != 1 {
		t.Errorf("LowValue: got %d, want 1", stats.LowValue)
	}
	if stats.Stale != 1 {
		t.Errorf("Stale: got %d, want 1", stats.Stale)
	}
	if stats.ByKind[types.KindSummary] != 1 {
		t.Errorf("ByKind[summary]: got %d, want 1", stats.ByKind[types.KindSummary])
	}
	if stats.ByKind[types.KindInsight] != 2 {
		t.Errorf("ByKind[insight]: got %d, want 2", stats.ByKind[types.KindInsight])
	}
}

func TestFtsQuerySanitizer(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain words", "plain* OR words*"},
		{`"quoted" AND (grouped)`, "quoted* OR and* OR grouped*"},
		{"a x", ""},
		{"", ""},
		{"pkg/types/memory.go", "pkg* OR types* OR memory* OR go*"},
	}
	for _, tc := range cases {
		if got := ftsQuery(tc.in); got != tc.want {
			t.Errorf("ftsQuery(%q): got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestVectorCodecRoundTrip(t *testing.T) {
	vec := []float64{0.1, -2.5, 3.14159, 0}
	blob := encodeVector(vec)
	got, err := decodeVector(blob, len(vec))
	if err != nil {
		t.Fatalf("decodeVector() failed: %v", err)
	}
	if len(got) != len(vec) {
		t.Fatalf("length: got %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("element %d: got %f, want %f", i, got[i], vec[i])
		}
	}

	if encodeVector(nil) != nil {
		t.Error("encodeVector(nil): got non-nil")
	}
	if _, err := decodeVector([]byte{1, 2, 3}, 1); err == nil {
		t.Error("decodeVector with short blob: got nil error, want error")
	}
}

func resultIDs(results []storage.ScoredMemory) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Item.ID
	}
	return ids
}
