package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/kennelworks/kennel/internal/storage"
	"github.com/kennelworks/kennel/pkg/types"
)

// In-memory store fakes. Relevance queries return scripted results so a
// test controls scoring exactly; lifecycle queries scan the backing map so
// mutation paths are exercised for real.

type fakeMemoryStore struct {
	mu    sync.Mutex
	items map[string]types.MemoryItem

	searchResults []storage.ScoredMemory
	searchByKind  map[types.MemoryKind][]storage.ScoredMemory
	searchErr     error
	lastSearch    storage.SearchOptions

	accessed [][]string
}

func newFakeMemoryStore() *fakeMemoryStore {
	return &fakeMemoryStore{items: make(map[string]types.MemoryItem)}
}

func (s *fakeMemoryStore) Create(_ context.Context, item *types.MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = *item
	return nil
}

func (s *fakeMemoryStore) Get(_ context.Context, id string) (*types.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &item, nil
}

func (s *fakeMemoryStore) Update(_ context.Context, item *types.MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return storage.ErrNotFound
	}
	s.items[item.ID] = *item
	return nil
}

func (s *fakeMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *fakeMemoryStore) Search(_ context.Context, _, _ string, opts storage.SearchOptions) ([]storage.ScoredMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSearch = opts
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	if len(opts.Kinds) == 1 && s.searchByKind != nil {
		return s.searchByKind[opts.Kinds[0]], nil
	}
	return s.searchResults, nil
}

func (s *fakeMemoryStore) FindBySession(_ context.Context, ownerID, sessionID string, limit int) ([]types.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.MemoryItem
	for _, item := range s.items {
		if item.OwnerID == ownerID && item.SessionID == sessionID {
			out = append(out, item)
		}
	}
	return capSlice(out, limit), nil
}

func (s *fakeMemoryStore) FindHighImportance(_ context.Context, ownerID string, min float64, limit int) ([]types.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.MemoryItem
	for _, item := range s.items {
		if item.OwnerID == ownerID && item.Importance >= min {
			out = append(out, item)
		}
	}
	slices.SortFunc(out, func(a, b types.MemoryItem) int {
		if a.Importance > b.Importance {
			return -1
		}
		if a.Importance < b.Importance {
			return 1
		}
		return 0
	})
	return capSlice(out, limit), nil
}

func (s *fakeMemoryStore) FindRecentEmbedded(_ context.Context, ownerID string, limit int) ([]types.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.MemoryItem
	for _, item := range s.items {
		if item.OwnerID == ownerID && len(item.Embedding) > 0 {
			out = append(out, item)
		}
	}
	slices.SortFunc(out, func(a, b types.MemoryItem) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return capSlice(out, limit), nil
}

func (s *fakeMemoryStore) FindDecayCandidates(_ context.Context, ownerID string, c storage.DecayCriteria) ([]types.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.MemoryItem
	for _, item := range s.items {
		if item.OwnerID != ownerID {
			continue
		}
		if item.Importance <= c.MinImportance || item.AccessCount > c.MaxAccessCount {
			continue
		}
		if !item.AccessReference().Before(c.AccessedBefore) {
			continue
		}
		out = append(out, item)
	}
	return capSlice(out, c.Limit), nil
}

func (s *fakeMemoryStore) FindPruneCandidates(_ context.Context, ownerID string, max float64, limit int) ([]types.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.MemoryItem
	for _, item := range s.items {
		if item.OwnerID == ownerID && item.Importance <= max {
			out = append(out, item)
		}
	}
	slices.SortFunc(out, func(a, b types.MemoryItem) int {
		if a.Importance < b.Importance {
			return -1
		}
		if a.Importance > b.Importance {
			return 1
		}
		return 0
	})
	return capSlice(out, limit), nil
}

func (s *fakeMemoryStore) RecordAccess(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessed = append(s.accessed, ids)
	now := time.Now()
	for _, id := range ids {
		if item, ok := s.items[id]; ok {
			item.AccessCount++
			item.LastAccessedAt = &now
			s.items[id] = item
		}
	}
	return nil
}

func (s *fakeMemoryStore) Stats(_ context.Context, ownerID string, lowValueMax float64, staleBefore time.Time) (*storage.MemoryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &storage.MemoryStats{ByKind: make(map[types.MemoryKind]int)}
	var sum float64
	for _, item := range s.items {
		if item.OwnerID != ownerID {
			continue
		}
		stats.Total++
		stats.ByKind[item.Kind]++
		sum += item.Importance
		if item.Importance <= lowValueMax {
			stats.LowValue++
		}
		if item.AccessReference().Before(staleBefore) {
			stats.Stale++
		}
	}
	if stats.Total > 0 {
		stats.AvgImportance = sum / float64(stats.Total)
	}
	return stats, nil
}

func (s *fakeMemoryStore) Close() error { return nil }

func (s *fakeMemoryStore) snapshot() map[string]types.MemoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.MemoryItem, len(s.items))
	for id, item := range s.items {
		out[id] = item
	}
	return out
}

type fakeDecisionStore struct {
	records    map[string]types.DecisionRecord
	superseded map[string]string // oldID -> newID
}

func newFakeDecisionStore() *fakeDecisionStore {
	return &fakeDecisionStore{
		records:    make(map[string]types.DecisionRecord),
		superseded: make(map[string]string),
	}
}

func (s *fakeDecisionStore) Create(_ context.Context, rec *types.DecisionRecord) error {
	s.records[rec.ID] = *rec
	return nil
}

func (s *fakeDecisionStore) Get(_ context.Context, id string) (*types.DecisionRecord, error) {
	rec, ok := s.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (s *fakeDecisionStore) FindActiveByProject(_ context.Context, ownerID, projectPath string, limit int) ([]types.DecisionRecord, error) {
	var out []types.DecisionRecord
	for _, rec := range s.records {
		if rec.OwnerID == ownerID && rec.ProjectPath == projectPath && rec.Status == types.DecisionActive {
			out = append(out, rec)
		}
	}
	return capSlice(out, limit), nil
}

func (s *fakeDecisionStore) MarkSuperseded(_ context.Context, oldID, newID string) error {
	rec, ok := s.records[oldID]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Status = types.DecisionSuperseded
	rec.SupersededBy = newID
	s.records[oldID] = rec
	s.superseded[oldID] = newID
	return nil
}

type fakeLessonStore struct {
	records       map[string]types.LessonRecord
	searchResults []storage.ScoredLesson
	critical      []types.LessonRecord
	bumped        []string
}

func newFakeLessonStore() *fakeLessonStore {
	return &fakeLessonStore{records: make(map[string]types.LessonRecord)}
}

func (s *fakeLessonStore) Create(_ context.Context, rec *types.LessonRecord) error {
	s.records[rec.ID] = *rec
	return nil
}

func (s *fakeLessonStore) Get(_ context.Context, id string) (*types.LessonRecord, error) {
	rec, ok := s.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (s *fakeLessonStore) Search(_ context.Context, _, _ string, _ storage.SearchOptions) ([]storage.ScoredLesson, error) {
	return s.searchResults, nil
}

func (s *fakeLessonStore) FindCritical(_ context.Context, _ string, limit int) ([]types.LessonRecord, error) {
	return capSlice(s.critical, limit), nil
}

func (s *fakeLessonStore) IncrementOccurrence(_ context.Context, id string) error {
	s.bumped = append(s.bumped, id)
	if rec, ok := s.records[id]; ok {
		rec.Occurrences++
		now := time.Now()
		rec.LastSeenAt = &now
		s.records[id] = rec
	}
	return nil
}

type fakeTrajectoryStore struct {
	mu    sync.Mutex
	trajs map[string]types.Trajectory

	vectorResults []types.Trajectory
	vectorQueries int
}

func newFakeTrajectoryStore() *fakeTrajectoryStore {
	return &fakeTrajectoryStore{trajs: make(map[string]types.Trajectory)}
}

func (s *fakeTrajectoryStore) Create(_ context.Context, traj *types.Trajectory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trajs[traj.ID] = *traj
	return nil
}

func (s *fakeTrajectoryStore) Get(_ context.Context, id string) (*types.Trajectory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	traj, ok := s.trajs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &traj, nil
}

func (s *fakeTrajectoryStore) Update(_ context.Context, traj *types.Trajectory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.trajs[traj.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if existing.Outcome.Terminal() && traj.Outcome != existing.Outcome {
		return storage.ErrTerminal
	}
	s.trajs[traj.ID] = *traj
	return nil
}

func (s *fakeTrajectoryStore) FindSuccessful(_ context.Context, ownerID, taskType, agentID string, minReward float64, limit int) ([]types.Trajectory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Trajectory
	for _, t := range s.trajs {
		if t.OwnerID != ownerID || t.TaskType != taskType || t.Outcome != types.OutcomeSuccess {
			continue
		}
		if agentID != "" && t.AgentID != agentID {
			continue
		}
		if t.Reward < minReward {
			continue
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b types.Trajectory) int {
		if a.Reward > b.Reward {
			return -1
		}
		if a.Reward < b.Reward {
			return 1
		}
		return 0
	})
	return capSlice(out, limit), nil
}

func (s *fakeTrajectoryStore) FindByTaskType(_ context.Context, ownerID, taskType string, limit int) ([]types.Trajectory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Trajectory
	for _, t := range s.trajs {
		if t.OwnerID == ownerID && t.TaskType == taskType {
			out = append(out, t)
		}
	}
	return capSlice(out, limit), nil
}

func (s *fakeTrajectoryStore) VectorSearch(_ context.Context, _ string, _ []float64, limit int) ([]types.Trajectory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectorQueries++
	return capSlice(s.vectorResults, limit), nil
}

func (s *fakeTrajectoryStore) Stats(_ context.Context, ownerID string) (*storage.TrajectoryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &storage.TrajectoryStats{ByOutcome: make(map[types.Outcome]int)}
	var sum float64
	for _, t := range s.trajs {
		if t.OwnerID != ownerID {
			continue
		}
		stats.Total++
		stats.ByOutcome[t.Outcome]++
		sum += t.Reward
	}
	if stats.Total > 0 {
		stats.AvgReward = sum / float64(stats.Total)
	}
	return stats, nil
}

type fakeEmbedder struct {
	vec   []float64
	err   error
	calls []string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	f.calls = append(f.calls, text)
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		vec, err := f.Embed(context.Background(), t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Model() string { return "fake" }

type fakeNotifier struct {
	events []string // "type:subject"
}

func (f *fakeNotifier) Notify(eventType, subjectID string) error {
	f.events = append(f.events, eventType+":"+subjectID)
	return nil
}

func capSlice[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
