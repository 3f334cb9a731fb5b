package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kennelworks/kennel/internal/storage"
	"github.com/kennelworks/kennel/pkg/types"
)

func testLesson(id, ownerID, mistake string) *types.LessonRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return &types.LessonRecord{
		ID:          id,
		OwnerID:     ownerID,
		Mistake:     mistake,
		Correction:  "correction for " + mistake,
		Severity:    types.SeverityMedium,
		Occurrences: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestLessonRoundTrip(t *testing.T) {
	store := newTestStore(t).Lessons()
	ctx := context.Background()

	seen := time.Now().UTC().Truncate(time.Second)
	rec := testLesson("les-1", "owner-1", "edited generated file by hand")
	rec.Prevention = "regenerate instead of editing"
	rec.Severity = types.SeverityHigh
	rec.Occurrences = 3
	rec.LastSeenAt = &seen
	rec.Embedding = []float64{0.2, 0.8}

	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	got, err := store.Get(ctx, "les-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Mistake != rec.Mistake {
		t.Errorf("Mistake: got %q, want %q", got.Mistake, rec.Mistake)
	}
	if got.Prevention != "regenerate instead of editing" {
		t.Errorf("Prevention: got %q", got.Prevention)
	}
	if got.Severity != types.SeverityHigh {
		t.Errorf("Severity: got %q, want high", got.Severity)
	}
	if got.Occurrences != 3 {
		t.Errorf("Occurrences: got %d, want 3", got.Occurrences)
	}
	if got.LastSeenAt == nil || !got.LastSeenAt.Equal(seen) {
		t.Errorf("LastSeenAt: got %v, want %v", got.LastSeenAt, seen)
	}
	if len(got.Embedding) != 2 {
		t.Errorf("Embedding: got %v", got.Embedding)
	}
}

func TestLessonCreateDefaults(t *testing.T) {
	store := newTestStore(t).Lessons()
	ctx := context.Background()

	rec := testLesson("les-1", "owner-1", "skipped review")
	rec.Severity = ""
	rec.Occurrences = 0
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	got, err := store.Get(ctx, "les-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Severity != types.SeverityMedium {
		t.Errorf("Severity default: got %q, want medium", got.Severity)
	}
	if got.Occurrences != 1 {
		t.Errorf("Occurrences default: got %d, want 1", got.Occurrences)
	}
}

func TestLessonSearchMatchesAllTextColumns(t *testing.T) {
	store := newTestStore(t).Lessons()
	ctx := context.Background()

	rec := testLesson("les-1", "owner-1", "wrote to the wrong branch")
	rec.Prevention = "check git status before pushing"
	other := testLesson("les-2", "owner-1", "forgot to bump the version")
	for _, l := range []*types.LessonRecord{rec, other} {
		if err := store.Create(ctx, l); err != nil {
			t.Fatalf("Create(%s) failed: %v", l.ID, err)
		}
	}

	// "pushing" appears only in the prevention column.
	results, err := store.Search(ctx, "owner-1", "pushing", storage.SearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != "les-1" {
		t.Fatalf("Search(): got %v, want only les-1", results)
	}
	if results[0].LexicalScore <= 0 {
		t.Errorf("LexicalScore: got %f, want > 0", results[0].LexicalScore)
	}
}

func TestLessonSearchVectorFallback(t *testing.T) {
	store := newTestStore(t).Lessons()
	ctx := context.Background()

	rec := testLesson("les-1", "owner-1", "assumed utc everywhere")
	rec.Embedding = []float64{1, 0}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// Query text matches nothing lexically; the embedding still finds it.
	results, err := store.Search(ctx, "owner-1", "zones", storage.SearchOptions{
		Embedding: []float64{1, 0},
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != "les-1" {
		t.Fatalf("Search(): got %v, want les-1 via vector path", results)
	}
	if results[0].VectorScore < 0.999 {
		t.Errorf("VectorScore: got %f, want ~1", results[0].VectorScore)
	}
}

func TestLessonFindCritical(t *testing.T) {
	store := newTestStore(t).Lessons()
	ctx := context.Background()

	critical := testLesson("les-critical", "owner-1", "deleted prod data")
	critical.Severity = types.SeverityCritical
	minor := testLesson("les-minor", "owner-1", "typo in a log line")
	minor.Severity = types.SeverityLow
	for _, l := range []*types.LessonRecord{critical, minor} {
		if err := store.Create(ctx, l); err != nil {
			t.Fatalf("Create(%s) failed: %v", l.ID, err)
		}
	}

	got, err := store.FindCritical(ctx, "owner-1", 10)
	if err != nil {
		t.Fatalf("FindCritical() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "les-critical" {
		t.Errorf("FindCritical(): got %v, want only les-critical", got)
	}
}

func TestLessonIncrementOccurrence(t *testing.T) {
	store := newTestStore(t).Lessons()
	ctx := context.Background()

	rec := testLesson("les-1", "owner-1", "repeated mistake")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if err := store.IncrementOccurrence(ctx, "les-1"); err != nil {
		t.Fatalf("IncrementOccurrence() failed: %v", err)
	}

	got, err := store.Get(ctx, "les-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Occurrences != 2 {
		t.Errorf("Occurrences: got %d, want 2", got.Occurrences)
	}
	if got.LastSeenAt == nil {
		t.Error("LastSeenAt: got nil, want non-nil")
	}

	if err := store.IncrementOccurrence(ctx, "no-such-id"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("IncrementOccurrence() on missing row: got %v, want ErrNotFound", err)
	}
}
