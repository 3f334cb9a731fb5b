package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kennelworks/kennel/internal/engine"
	"github.com/kennelworks/kennel/internal/storage"
	"github.com/kennelworks/kennel/pkg/types"
)

// memoryEngine is the subset of *engine.Engine the MCP server dispatches
// to. Using an interface keeps the MCP package loosely coupled and
// testable.
type memoryEngine interface {
	Remember(ctx context.Context, opts engine.RememberOptions) (*types.MemoryItem, error)
	Recall(ctx context.Context, ownerID, query string, opts engine.SearchOptions) ([]engine.SearchResult, error)
	Context(ctx context.Context, ownerID string, req engine.ContextRequest) (*engine.ContextBundle, error)
	CheckMistakes(ctx context.Context, ownerID, contextText string) (*engine.MistakeWarning, error)
	PriorSessions(ctx context.Context, ownerID, currentSessionID, query string, topN int) ([]engine.SessionRecall, error)
	RecordDecision(ctx context.Context, in engine.DecisionInput) (*types.DecisionRecord, error)
	SupersedeDecision(ctx context.Context, oldID string, in engine.DecisionInput) (*types.DecisionRecord, error)
	RecordLesson(ctx context.Context, in engine.LessonInput) (*types.LessonRecord, error)
	StartTrajectory(ctx context.Context, opts engine.StartOptions) (*types.Trajectory, error)
	RecordAction(ctx context.Context, trajectoryID string, event types.ActionEvent) error
	RecordSwitch(ctx context.Context, trajectoryID, toAgent string) error
	CompleteTrajectory(ctx context.Context, trajectoryID string, outcome types.Outcome) (*types.Trajectory, error)
	FindSimilarTrajectories(ctx context.Context, q engine.SimilarQuery) ([]types.Trajectory, error)
	ReplaySuggestions(ctx context.Context, q engine.SimilarQuery) (*engine.ReplaySuggestion, error)
	RecordReplayResult(ctx context.Context, trajectoryID string, success bool) error
	RecommendDog(ctx context.Context, ownerID, taskType string) (*engine.DogRecommendation, error)
	Consolidate(ctx context.Context, opts engine.ConsolidateOptions) *engine.ConsolidationResult
	MemoryHealth(ctx context.Context, ownerID string) (*engine.HealthMetrics, error)
}

// Server implements the Model Context Protocol (MCP) for Kennel.
// It provides JSON-RPC 2.0 based tools for AI assistants to interact
// with the memory and trajectory engine.
type Server struct {
	engine       memoryEngine
	defaultOwner string // owner used when no owner_id is provided
	sessionID    string // unique ID generated once per MCP server lifetime
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithDefaultOwner sets the owner scope used when a tool call does not
// include an explicit owner_id. This lets a host pin an owner (via the
// KENNEL_DEFAULT_OWNER env var) without passing owner_id on every call.
// When empty, the server falls back to "default".
func WithDefaultOwner(owner string) ServerOption {
	return func(s *Server) {
		s.defaultOwner = owner
	}
}

// NewServer creates a new MCP server instance over the given engine.
//
//	srv := mcp.NewServer(eng)
//	srv := mcp.NewServer(eng, mcp.WithDefaultOwner("alice"))
func NewServer(eng memoryEngine, opts ...ServerOption) *Server {
	s := &Server{
		engine:    eng,
		sessionID: uuid.New().String(),
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Printf("kennel-mcp: session ID: %s", s.sessionID)
	return s
}

// SessionID returns the session identifier generated for this server
// lifetime. Tool calls without an explicit session_id are attributed to it.
func (s *Server) SessionID() string {
	return s.sessionID
}

// resolveOwner picks the effective owner for a tool call. Priority: the
// explicit argument, then the server default, then "default".
func (s *Server) resolveOwner(ownerID string) string {
	if ownerID != "" {
		return ownerID
	}
	if s.defaultOwner != "" {
		return s.defaultOwner
	}
	return "default"
}

// resolveSession picks the effective session for a tool call.
func (s *Server) resolveSession(sessionID string) string {
	if sessionID != "" {
		return sessionID
	}
	return s.sessionID
}

// HandleRequest processes a JSON-RPC 2.0 request and returns a response.
// This is the main entry point for MCP protocol handling.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err)
	}

	// A request without an id is a notification: it is processed like any
	// other request, but JSON-RPC 2.0 forbids answering it.
	notification := req.ID == nil

	// Validate JSON-RPC version
	if req.JSONRPC != "2.0" {
		if notification {
			return nil, nil
		}
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	// Route to appropriate handler
	var result interface{}
	var err error

	switch req.Method {
	// Standard MCP protocol methods
	case "initialize":
		result, err = s.handleInitialize(ctx, req.Params)
	case "initialized":
		// Handshake acknowledgement. Normally a notification; an empty
		// result covers clients that send it with an id anyway.
		result = map[string]interface{}{}
	case "tools/list":
		result, err = s.handleToolsList(ctx, req.Params)
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)

	// Native JSON-RPC methods (kept for direct callers that skip the MCP
	// tools/call envelope)
	case "remember":
		result, err = s.handleRemember(ctx, req.Params)
	case "recall":
		result, err = s.handleRecall(ctx, req.Params)
	case "get_context":
		result, err = s.handleGetContext(ctx, req.Params)
	case "check_mistakes":
		result, err = s.handleCheckMistakes(ctx, req.Params)
	case "prior_sessions":
		result, err = s.handlePriorSessions(ctx, req.Params)
	case "record_decision":
		result, err = s.handleRecordDecision(ctx, req.Params)
	case "supersede_decision":
		result, err = s.handleSupersedeDecision(ctx, req.Params)
	case "record_lesson":
		result, err = s.handleRecordLesson(ctx, req.Params)
	case "start_trajectory":
		result, err = s.handleStartTrajectory(ctx, req.Params)
	case "record_action":
		result, err = s.handleRecordAction(ctx, req.Params)
	case "complete_trajectory":
		result, err = s.handleCompleteTrajectory(ctx, req.Params)
	case "find_similar_trajectories":
		result, err = s.handleFindSimilar(ctx, req.Params)
	case "replay_suggestions":
		result, err = s.handleReplaySuggestions(ctx, req.Params)
	case "record_replay_result":
		result, err = s.handleRecordReplayResult(ctx, req.Params)
	case "recommend_dog":
		result, err = s.handleRecommendDog(ctx, req.Params)
	case "consolidate":
		result, err = s.handleConsolidate(ctx, req.Params)
	case "memory_health":
		result, err = s.handleMemoryHealth(ctx, req.Params)
	default:
		if notification {
			return nil, nil
		}
		return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	if notification {
		if err != nil {
			log.Printf("notification %s failed: %v", req.Method, err)
		}
		return nil, nil
	}

	if err != nil {
		return s.errorResponse(req.ID, errorCode(err), err.Error(), nil)
	}

	return s.successResponse(req.ID, result)
}

// errorCode maps an engine/storage error to a JSON-RPC error code.
func errorCode(err error) int {
	if errors.Is(err, storage.ErrInvalidInput) {
		return ErrCodeInvalidParams
	}
	return ErrCodeServerError
}

// ---------------------------------------------------------------------------
// Memory tools
// ---------------------------------------------------------------------------

// Remember stores a new memory item.
func (s *Server) Remember(ctx context.Context, args RememberArgs) (*RememberResult, error) {
	item, err := s.engine.Remember(ctx, engine.RememberOptions{
		OwnerID:    s.resolveOwner(args.OwnerID),
		SessionID:  s.resolveSession(args.SessionID),
		Kind:       types.MemoryKind(args.Kind),
		Content:    args.Content,
		Importance: args.Importance,
	})
	if err != nil {
		return nil, err
	}
	return &RememberResult{
		ID:         item.ID,
		Kind:       string(item.Kind),
		Importance: item.Importance,
		Embedded:   len(item.Embedding) > 0,
		Message:    "Memory stored.",
	}, nil
}

// Recall searches the owner's memories for the query.
func (s *Server) Recall(ctx context.Context, args RecallArgs) (*RecallResult, error) {
	if strings.TrimSpace(args.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", storage.ErrInvalidInput)
	}

	kinds := make([]types.MemoryKind, 0, len(args.Kinds))
	for _, k := range args.Kinds {
		kinds = append(kinds, types.MemoryKind(k))
	}

	results, err := s.engine.Recall(ctx, s.resolveOwner(args.OwnerID), args.Query, engine.SearchOptions{
		EmbeddingOptIn: args.Semantic,
		Kinds:          kinds,
		Limit:          args.Limit,
		MinRelevance:   args.MinRelevance,
	})
	if err != nil {
		return nil, err
	}

	out := &RecallResult{
		Memories: make([]MemoryHit, 0, len(results)),
		Total:    len(results),
	}
	for _, r := range results {
		out.Memories = append(out.Memories, memoryHit(r))
	}
	return out, nil
}

// GetContext assembles the situational bundle for a task.
func (s *Server) GetContext(ctx context.Context, args GetContextArgs) (*GetContextResult, error) {
	bundle, err := s.engine.Context(ctx, s.resolveOwner(args.OwnerID), engine.ContextRequest{
		ProjectPath:  args.ProjectPath,
		RecentTopics: args.RecentTopics,
		CurrentTask:  args.CurrentTask,
		SessionID:    s.resolveSession(args.SessionID),
	})
	if err != nil {
		return nil, err
	}

	result := &GetContextResult{Query: bundle.Query}
	for _, m := range bundle.Memories {
		result.Memories = append(result.Memories, memoryHit(m))
	}
	for _, l := range bundle.Lessons {
		result.Lessons = append(result.Lessons, lessonHit(l.Record, l.Score))
	}
	for _, d := range bundle.ActiveDecisions {
		result.ActiveDecisions = append(result.ActiveDecisions, decisionSummary(d))
	}
	for _, l := range bundle.CriticalLessons {
		result.CriticalLessons = append(result.CriticalLessons, lessonHit(l, 0))
	}
	for _, m := range bundle.HighImportance {
		result.HighImportance = append(result.HighImportance, memoryHit(engine.SearchResult{Item: m}))
	}
	return result, nil
}

// CheckMistakes warns when the given context resembles a recorded mistake.
func (s *Server) CheckMistakes(ctx context.Context, args CheckMistakesArgs) (*CheckMistakesResult, error) {
	if strings.TrimSpace(args.Context) == "" {
		return nil, fmt.Errorf("%w: context is required", storage.ErrInvalidInput)
	}

	warning, err := s.engine.CheckMistakes(ctx, s.resolveOwner(args.OwnerID), args.Context)
	if err != nil {
		return nil, err
	}
	if warning == nil {
		return &CheckMistakesResult{Warned: false}, nil
	}

	hit := lessonHit(warning.Lesson, warning.Score)
	result := &CheckMistakesResult{
		Warned:  true,
		Message: warning.Message,
		Lesson:  &hit,
	}
	for _, rel := range warning.Related {
		result.Related = append(result.Related, lessonHit(rel, 0))
	}
	return result, nil
}

// PriorSessions ranks past sessions by relevance to the query.
func (s *Server) PriorSessions(ctx context.Context, args PriorSessionsArgs) (*PriorSessionsResult, error) {
	if strings.TrimSpace(args.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", storage.ErrInvalidInput)
	}

	sessions, err := s.engine.PriorSessions(ctx,
		s.resolveOwner(args.OwnerID), s.resolveSession(args.SessionID), args.Query, args.TopN)
	if err != nil {
		return nil, err
	}

	result := &PriorSessionsResult{Sessions: make([]PriorSession, 0, len(sessions))}
	for _, sess := range sessions {
		ps := PriorSession{SessionID: sess.SessionID, Score: sess.Score}
		for _, m := range sess.Memories {
			ps.Memories = append(ps.Memories, memoryHit(engine.SearchResult{Item: m}))
		}
		result.Sessions = append(result.Sessions, ps)
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Decision and lesson tools
// ---------------------------------------------------------------------------

// RecordDecision stores an active decision record.
func (s *Server) RecordDecision(ctx context.Context, args RecordDecisionArgs) (*RecordDecisionResult, error) {
	rec, err := s.engine.RecordDecision(ctx, engine.DecisionInput{
		OwnerID:      s.resolveOwner(args.OwnerID),
		SessionID:    s.resolveSession(args.SessionID),
		ProjectPath:  args.ProjectPath,
		Title:        args.Title,
		Description:  args.Description,
		Rationale:    args.Rationale,
		Alternatives: args.Alternatives,
	})
	if err != nil {
		return nil, err
	}
	return &RecordDecisionResult{
		ID:      rec.ID,
		Status:  string(rec.Status),
		Message: "Decision recorded.",
	}, nil
}

// SupersedeDecision records a replacement decision and links the old one to
// it. The old record keeps its content; only its status and link change.
func (s *Server) SupersedeDecision(ctx context.Context, args SupersedeDecisionArgs) (*SupersedeDecisionResult, error) {
	if args.OldID == "" {
		return nil, fmt.Errorf("%w: old_id is required", storage.ErrInvalidInput)
	}

	replacement, err := s.engine.SupersedeDecision(ctx, args.OldID, engine.DecisionInput{
		OwnerID:      s.resolveOwner(args.OwnerID),
		SessionID:    s.resolveSession(args.SessionID),
		ProjectPath:  args.ProjectPath,
		Title:        args.Title,
		Description:  args.Description,
		Rationale:    args.Rationale,
		Alternatives: args.Alternatives,
	})
	if err != nil {
		return nil, err
	}
	return &SupersedeDecisionResult{
		NewID:        replacement.ID,
		SupersededID: args.OldID,
		Message:      "Decision superseded.",
	}, nil
}

// RecordLesson stores a lesson learned from a mistake.
func (s *Server) RecordLesson(ctx context.Context, args RecordLessonArgs) (*RecordLessonResult, error) {
	severity := types.LessonSeverity(args.Severity)
	if args.Severity != "" && !severity.IsValid() {
		return nil, fmt.Errorf("%w: unknown severity %q", storage.ErrInvalidInput, args.Severity)
	}

	rec, err := s.engine.RecordLesson(ctx, engine.LessonInput{
		OwnerID:    s.resolveOwner(args.OwnerID),
		SessionID:  s.resolveSession(args.SessionID),
		Mistake:    args.Mistake,
		Correction: args.Correction,
		Prevention: args.Prevention,
		Severity:   severity,
	})
	if err != nil {
		return nil, err
	}
	return &RecordLessonResult{
		ID:          rec.ID,
		Severity:    string(rec.Severity),
		Occurrences: rec.Occurrences,
		Message:     "Lesson recorded.",
	}, nil
}

// ---------------------------------------------------------------------------
// Trajectory tools
// ---------------------------------------------------------------------------

// StartTrajectory begins recording a task.
func (s *Server) StartTrajectory(ctx context.Context, args StartTrajectoryArgs) (*StartTrajectoryResult, error) {
	traj, err := s.engine.StartTrajectory(ctx, engine.StartOptions{
		OwnerID:   s.resolveOwner(args.OwnerID),
		SessionID: s.resolveSession(args.SessionID),
		AgentID:   args.AgentID,
		TaskType:  args.TaskType,
		InitialState: types.TaskState{
			Description: args.Description,
			WorkingDir:  args.WorkingDir,
			Topics:      args.Topics,
		},
	})
	if err != nil {
		return nil, err
	}
	return &StartTrajectoryResult{
		TrajectoryID: traj.ID,
		Outcome:      string(traj.Outcome),
		Message:      "Trajectory started. Record actions as you work, then complete it with an outcome.",
	}, nil
}

// RecordAction appends a tool action to a pending trajectory, or records an
// agent handoff when to_agent is set.
func (s *Server) RecordAction(ctx context.Context, args RecordActionArgs) (*RecordActionResult, error) {
	if args.TrajectoryID == "" {
		return nil, fmt.Errorf("%w: trajectory_id is required", storage.ErrInvalidInput)
	}

	if args.ToAgent != "" {
		if err := s.engine.RecordSwitch(ctx, args.TrajectoryID, args.ToAgent); err != nil {
			return nil, err
		}
		return &RecordActionResult{
			TrajectoryID: args.TrajectoryID,
			Kind:         string(types.ActionSwitch),
			Recorded:     true,
		}, nil
	}

	event := types.ActionEvent{
		Timestamp:  time.Now(),
		Tool:       args.Tool,
		Kind:       types.KindForTool(args.Tool),
		Input:      args.Input,
		Output:     args.Output,
		Success:    args.Success,
		DurationMs: args.DurationMs,
	}
	if err := s.engine.RecordAction(ctx, args.TrajectoryID, event); err != nil {
		return nil, err
	}
	return &RecordActionResult{
		TrajectoryID: args.TrajectoryID,
		Kind:         string(event.Kind),
		Recorded:     true,
	}, nil
}

// CompleteTrajectory transitions a trajectory to a terminal outcome.
func (s *Server) CompleteTrajectory(ctx context.Context, args CompleteTrajectoryArgs) (*CompleteTrajectoryResult, error) {
	if args.TrajectoryID == "" {
		return nil, fmt.Errorf("%w: trajectory_id is required", storage.ErrInvalidInput)
	}
	outcome := types.Outcome(args.Outcome)
	if !outcome.Terminal() {
		return nil, fmt.Errorf("%w: outcome must be success, partial, failure, or abandoned; got %q",
			storage.ErrInvalidInput, args.Outcome)
	}

	traj, err := s.engine.CompleteTrajectory(ctx, args.TrajectoryID, outcome)
	if err != nil {
		return nil, err
	}
	return &CompleteTrajectoryResult{
		TrajectoryID:   traj.ID,
		Outcome:        string(traj.Outcome),
		Reward:         traj.Reward,
		DurationMs:     traj.DurationMs,
		SimilarityHash: traj.SimilarityHash,
	}, nil
}

// FindSimilar returns the best prior trajectories for a task.
func (s *Server) FindSimilar(ctx context.Context, args FindSimilarArgs) (*FindSimilarResult, error) {
	if args.TaskType == "" {
		return nil, fmt.Errorf("%w: task_type is required", storage.ErrInvalidInput)
	}

	matches, err := s.engine.FindSimilarTrajectories(ctx, engine.SimilarQuery{
		OwnerID:  s.resolveOwner(args.OwnerID),
		TaskType: args.TaskType,
		AgentID:  args.AgentID,
	})
	if err != nil {
		return nil, err
	}

	result := &FindSimilarResult{
		Trajectories: make([]TrajectorySummary, 0, len(matches)),
		Total:        len(matches),
	}
	for _, t := range matches {
		result.Trajectories = append(result.Trajectories, TrajectorySummary{
			ID:          t.ID,
			TaskType:    t.TaskType,
			AgentID:     t.AgentID,
			Outcome:     string(t.Outcome),
			Reward:      t.Reward,
			ToolCount:   t.ToolCount,
			ErrorCount:  t.ErrorCount,
			ReplayCount: t.ReplayCount,
			CreatedAt:   t.CreatedAt.Format(time.RFC3339),
		})
	}
	return result, nil
}

// ReplaySuggestions distills the best prior success into an action plan.
func (s *Server) ReplaySuggestions(ctx context.Context, args FindSimilarArgs) (*ReplaySuggestionsResult, error) {
	if args.TaskType == "" {
		return nil, fmt.Errorf("%w: task_type is required", storage.ErrInvalidInput)
	}

	suggestion, err := s.engine.ReplaySuggestions(ctx, engine.SimilarQuery{
		OwnerID:  s.resolveOwner(args.OwnerID),
		TaskType: args.TaskType,
		AgentID:  args.AgentID,
	})
	if err != nil {
		return nil, err
	}
	if suggestion == nil {
		return &ReplaySuggestionsResult{Found: false}, nil
	}
	return &ReplaySuggestionsResult{
		Found:        true,
		TrajectoryID: suggestion.TrajectoryID,
		TaskType:     suggestion.TaskType,
		AgentID:      suggestion.AgentID,
		Reward:       suggestion.Reward,
		Confidence:   suggestion.Confidence,
		Plan:         suggestion.Plan,
	}, nil
}

// RecordReplayResult reports whether a suggested plan worked.
func (s *Server) RecordReplayResult(ctx context.Context, args RecordReplayResultArgs) (*RecordReplayResultResult, error) {
	if args.TrajectoryID == "" {
		return nil, fmt.Errorf("%w: trajectory_id is required", storage.ErrInvalidInput)
	}
	if err := s.engine.RecordReplayResult(ctx, args.TrajectoryID, args.Success); err != nil {
		return nil, err
	}
	return &RecordReplayResultResult{TrajectoryID: args.TrajectoryID, Recorded: true}, nil
}

// RecommendDog picks the best historical agent for a task type.
func (s *Server) RecommendDog(ctx context.Context, args FindSimilarArgs) (*RecommendDogResult, error) {
	if args.TaskType == "" {
		return nil, fmt.Errorf("%w: task_type is required", storage.ErrInvalidInput)
	}

	rec, err := s.engine.RecommendDog(ctx, s.resolveOwner(args.OwnerID), args.TaskType)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &RecommendDogResult{Found: false}, nil
	}

	result := &RecommendDogResult{
		Found:       true,
		TaskType:    rec.TaskType,
		Recommended: dogStats(rec.Recommended),
	}
	for _, alt := range rec.Alternatives {
		result.Alternatives = append(result.Alternatives, *dogStats(alt))
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Maintenance tools
// ---------------------------------------------------------------------------

// Consolidate runs one decay/merge/prune pass for the owner. Phase errors
// are reported inside the result, never as a call failure.
func (s *Server) Consolidate(ctx context.Context, args ConsolidateArgs) (*engine.ConsolidationResult, error) {
	return s.engine.Consolidate(ctx, engine.ConsolidateOptions{
		OwnerID: s.resolveOwner(args.OwnerID),
		DryRun:  args.DryRun,
	}), nil
}

// MemoryHealth reports the owner's memory health metrics.
func (s *Server) MemoryHealth(ctx context.Context, args MemoryHealthArgs) (*engine.HealthMetrics, error) {
	return s.engine.MemoryHealth(ctx, s.resolveOwner(args.OwnerID))
}

// ---------------------------------------------------------------------------
// Wire conversions
// ---------------------------------------------------------------------------

func memoryHit(r engine.SearchResult) MemoryHit {
	return MemoryHit{
		ID:           r.Item.ID,
		Kind:         string(r.Item.Kind),
		Content:      r.Item.Content,
		SessionID:    r.Item.SessionID,
		Importance:   r.Item.Importance,
		Score:        r.Score,
		LexicalScore: r.LexicalScore,
		VectorScore:  r.VectorScore,
		CreatedAt:    r.Item.CreatedAt.Format(time.RFC3339),
	}
}

func lessonHit(l types.LessonRecord, score float64) LessonHit {
	return LessonHit{
		ID:         l.ID,
		Mistake:    l.Mistake,
		Correction: l.Correction,
		Prevention: l.Prevention,
		Severity:   string(l.Severity),
		Score:      score,
	}
}

func decisionSummary(d types.DecisionRecord) DecisionSummary {
	return DecisionSummary{
		ID:           d.ID,
		ProjectPath:  d.ProjectPath,
		Title:        d.Title,
		Description:  d.Description,
		Rationale:    d.Rationale,
		Alternatives: d.Alternatives,
		Status:       string(d.Status),
		SupersededBy: d.SupersededBy,
		CreatedAt:    d.CreatedAt.Format(time.RFC3339),
	}
}

func dogStats(d engine.DogStats) *DogStatsSummary {
	return &DogStatsSummary{
		AgentID:   d.AgentID,
		Attempts:  d.Attempts,
		Successes: d.Successes,
		AvgReward: d.AvgReward,
	}
}

// ---------------------------------------------------------------------------
// JSON-RPC handler shims
// ---------------------------------------------------------------------------

func (s *Server) handleRemember(ctx context.Context, params interface{}) (interface{}, error) {
	var args RememberArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.Remember(ctx, args)
}

func (s *Server) handleRecall(ctx context.Context, params interface{}) (interface{}, error) {
	var args RecallArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.Recall(ctx, args)
}

func (s *Server) handleGetContext(ctx context.Context, params interface{}) (interface{}, error) {
	var args GetContextArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.GetContext(ctx, args)
}

func (s *Server) handleCheckMistakes(ctx context.Context, params interface{}) (interface{}, error) {
	var args CheckMistakesArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.CheckMistakes(ctx, args)
}

func (s *Server) handlePriorSessions(ctx context.Context, params interface{}) (interface{}, error) {
	var args PriorSessionsArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.PriorSessions(ctx, args)
}

func (s *Server) handleRecordDecision(ctx context.Context, params interface{}) (interface{}, error) {
	var args RecordDecisionArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.RecordDecision(ctx, args)
}

func (s *Server) handleSupersedeDecision(ctx context.Context, params interface{}) (interface{}, error) {
	var args SupersedeDecisionArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.SupersedeDecision(ctx, args)
}

func (s *Server) handleRecordLesson(ctx context.Context, params interface{}) (interface{}, error) {
	var args RecordLessonArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.RecordLesson(ctx, args)
}

func (s *Server) handleStartTrajectory(ctx context.Context, params interface{}) (interface{}, error) {
	var args StartTrajectoryArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.StartTrajectory(ctx, args)
}

func (s *Server) handleRecordAction(ctx context.Context, params interface{}) (interface{}, error) {
	var args RecordActionArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.RecordAction(ctx, args)
}

func (s *Server) handleCompleteTrajectory(ctx context.Context, params interface{}) (interface{}, error) {
	var args CompleteTrajectoryArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.CompleteTrajectory(ctx, args)
}

func (s *Server) handleFindSimilar(ctx context.Context, params interface{}) (interface{}, error) {
	var args FindSimilarArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.FindSimilar(ctx, args)
}

func (s *Server) handleReplaySuggestions(ctx context.Context, params interface{}) (interface{}, error) {
	var args FindSimilarArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.ReplaySuggestions(ctx, args)
}

func (s *Server) handleRecordReplayResult(ctx context.Context, params interface{}) (interface{}, error) {
	var args RecordReplayResultArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.RecordReplayResult(ctx, args)
}

func (s *Server) handleRecommendDog(ctx context.Context, params interface{}) (interface{}, error) {
	var args FindSimilarArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.RecommendDog(ctx, args)
}

func (s *Server) handleConsolidate(ctx context.Context, params interface{}) (interface{}, error) {
	var args ConsolidateArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.Consolidate(ctx, args)
}

func (s *Server) handleMemoryHealth(ctx context.Context, params interface{}) (interface{}, error) {
	var args MemoryHealthArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.MemoryHealth(ctx, args)
}

// ---------------------------------------------------------------------------
// Standard MCP protocol handlers
// ---------------------------------------------------------------------------

func (s *Server) handleInitialize(ctx context.Context, params interface{}) (interface{}, error) {
	return MCPInitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities: MCPServerCapabilities{
			Tools: &MCPToolsCapability{},
		},
		ServerInfo: MCPServerInfo{
			Name:    "kennel",
			Version: "1.0.0",
		},
	}, nil
}

// handleToolsList returns the list of all tools this server exposes.
func (s *Server) handleToolsList(ctx context.Context, params interface{}) (interface{}, error) {
	return MCPToolsListResult{Tools: s.buildToolsList()}, nil
}

// handleToolsCall dispatches a tools/call request to the appropriate handler
// and wraps the result in the MCP content envelope.
func (s *Server) handleToolsCall(ctx context.Context, params interface{}) (interface{}, error) {
	var p MCPToolCallParams
	if err := s.unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	// Re-marshal arguments so they can be passed to the existing handlers
	// which expect an interface{} produced by JSON unmarshal.
	argsJSON, err := json.Marshal(p.Arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}
	var rawParams interface{}
	if err := json.Unmarshal(argsJSON, &rawParams); err != nil {
		return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	var result interface{}
	var handlerErr error

	switch p.Name {
	case "remember":
		result, handlerErr = s.handleRemember(ctx, rawParams)
	case "recall":
		result, handlerErr = s.handleRecall(ctx, rawParams)
	case "get_context":
		result, handlerErr = s.handleGetContext(ctx, rawParams)
	case "check_mistakes":
		result, handlerErr = s.handleCheckMistakes(ctx, rawParams)
	case "prior_sessions":
		result, handlerErr = s.handlePriorSessions(ctx, rawParams)
	case "record_decision":
		result, handlerErr = s.handleRecordDecision(ctx, rawParams)
	case "supersede_decision":
		result, handlerErr = s.handleSupersedeDecision(ctx, rawParams)
	case "record_lesson":
		result, handlerErr = s.handleRecordLesson(ctx, rawParams)
	case "start_trajectory":
		result, handlerErr = s.handleStartTrajectory(ctx, rawParams)
	case "record_action":
		result, handlerErr = s.handleRecordAction(ctx, rawParams)
	case "complete_trajectory":
		result, handlerErr = s.handleCompleteTrajectory(ctx, rawParams)
	case "find_similar_trajectories":
		result, handlerErr = s.handleFindSimilar(ctx, rawParams)
	case "replay_suggestions":
		result, handlerErr = s.handleReplaySuggestions(ctx, rawParams)
	case "record_replay_result":
		result, handlerErr = s.handleRecordReplayResult(ctx, rawParams)
	case "recommend_dog":
		result, handlerErr = s.handleRecommendDog(ctx, rawParams)
	case "consolidate":
		result, handlerErr = s.handleConsolidate(ctx, rawParams)
	case "memory_health":
		result, handlerErr = s.handleMemoryHealth(ctx, rawParams)
	default:
		return &MCPToolCallResult{
			Content: []MCPToolCallContent{{Type: "text", Text: fmt.Sprintf("unknown tool: %s", p.Name)}},
			IsError: true,
		}, nil
	}

	if handlerErr != nil {
		return &MCPToolCallResult{
			Content: []MCPToolCallContent{{Type: "text", Text: handlerErr.Error()}},
			IsError: true,
		}, nil
	}

	text, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(text)}},
	}, nil
}

// buildToolsList returns the canonical list of MCP tool definitions.
func (s *Server) buildToolsList() []MCPTool {
	return []MCPTool{
		{
			Name:        "remember",
			Description: "Store a memory item (a summary, key moment, decision, preference, correction, or insight). Content is embedded best-effort; without an embedding provider the item is still stored and remains findable by keyword.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"content"},
				"properties": map[string]interface{}{
					"content":    map[string]interface{}{"type": "string", "description": "The memory content to store (required)"},
					"kind":       map[string]interface{}{"type": "string", "description": "Memory kind: summary, key_moment, decision, preference, correction, insight (default insight)"},
					"importance": map[string]interface{}{"type": "number", "description": "Initial importance in [0, 1]; omit for the 0.5 default"},
					"owner_id":   map[string]interface{}{"type": "string", "description": "Owner scope; omit to use the server default"},
					"session_id": map[string]interface{}{"type": "string", "description": "Session override; omit to use the server session"},
				},
			},
		},
		{
			Name:        "recall",
			Description: "Search memories by relevance. Blends keyword and semantic scores when semantic=true and an embedding provider is configured; otherwise keyword-only. Reading a memory counts as access and slows its decay.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"query"},
				"properties": map[string]interface{}{
					"query":         map[string]interface{}{"type": "string", "description": "Natural-language search query (required)"},
					"kinds":         map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Restrict to these memory kinds"},
					"limit":         map[string]interface{}{"type": "integer", "description": "Max results (default 10)"},
					"semantic":      map[string]interface{}{"type": "boolean", "description": "Opt in to semantic (vector) scoring"},
					"min_relevance": map[string]interface{}{"type": "number", "description": "Score floor override; omit to use the configured floor"},
					"owner_id":      map[string]interface{}{"type": "string", "description": "Owner scope; omit to use the server default"},
				},
			},
		},
		{
			Name:        "get_context",
			Description: "Assemble situational context for a task: relevant memories and lessons for the current task and topics, plus active project decisions, critical lessons, and high-importance memories which are always included.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"current_task":  map[string]interface{}{"type": "string", "description": "What you are about to do"},
					"recent_topics": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Recent conversation topics"},
					"project_path":  map[string]interface{}{"type": "string", "description": "Project path scoping the active-decision set"},
					"owner_id":      map[string]interface{}{"type": "string", "description": "Owner scope; omit to use the server default"},
					"session_id":    map[string]interface{}{"type": "string", "description": "Current session, excluded from cross-session grouping"},
				},
			},
		},
		{
			Name:        "check_mistakes",
			Description: "Check whether the described context resembles a recorded past mistake. High and critical severity lessons surface even on weak textual matches. Returns warned=false when nothing matches.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"context"},
				"properties": map[string]interface{}{
					"context":  map[string]interface{}{"type": "string", "description": "Description of what you are about to do (required)"},
					"owner_id": map[string]interface{}{"type": "string", "description": "Owner scope; omit to use the server default"},
				},
			},
		},
		{
			Name:        "prior_sessions",
			Description: "Answer 'where did I leave off?' by ranking past sessions relevant to a query, each with its supporting memories. The current session is excluded.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"query"},
				"properties": map[string]interface{}{
					"query":      map[string]interface{}{"type": "string", "description": "What to look for in past sessions (required)"},
					"top_n":      map[string]interface{}{"type": "integer", "description": "Max sessions to return (default 3)"},
					"owner_id":   map[string]interface{}{"type": "string", "description": "Owner scope; omit to use the server default"},
					"session_id": map[string]interface{}{"type": "string", "description": "Current session; omit to use the server session"},
				},
			},
		},
		{
			Name:        "record_decision",
			Description: "Record a project decision with its rationale and the alternatives that were considered. Decisions stay active until superseded and appear unconditionally in get_context for their project.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"title"},
				"properties": map[string]interface{}{
					"title":        map[string]interface{}{"type": "string", "description": "Decision title (required)"},
					"description":  map[string]interface{}{"type": "string", "description": "What was decided"},
					"rationale":    map[string]interface{}{"type": "string", "description": "Why it was decided"},
					"alternatives": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Options considered and rejected"},
					"project_path": map[string]interface{}{"type": "string", "description": "Project the decision belongs to"},
					"owner_id":     map[string]interface{}{"type": "string", "description": "Owner scope; omit to use the server default"},
					"session_id":   map[string]interface{}{"type": "string", "description": "Session override; omit to use the server session"},
				},
			},
		},
		{
			Name:        "supersede_decision",
			Description: "Replace an existing decision with a new one. The old record keeps its content for audit; only its status flips to superseded with a link to the replacement.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"old_id", "title"},
				"properties": map[string]interface{}{
					"old_id":       map[string]interface{}{"type": "string", "description": "ID of the decision being replaced (required)"},
					"title":        map[string]interface{}{"type": "string", "description": "Replacement decision title (required)"},
					"description":  map[string]interface{}{"type": "string", "description": "What was decided"},
					"rationale":    map[string]interface{}{"type": "string", "description": "Why the decision changed"},
					"alternatives": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Options considered and rejected"},
					"project_path": map[string]interface{}{"type": "string", "description": "Project path; inherited from the old decision when omitted"},
					"owner_id":     map[string]interface{}{"type": "string", "description": "Owner scope; omit to use the server default"},
				},
			},
		},
		{
			Name:        "record_lesson",
			Description: "Record a mistake worth not repeating, with its correction and prevention. Severity low/medium/high/critical; high and critical lessons always surface in mistake checks.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"mistake"},
				"properties": map[string]interface{}{
					"mistake":    map[string]interface{}{"type": "string", "description": "What went wrong (required)"},
					"correction": map[string]interface{}{"type": "string", "description": "What fixed it"},
					"prevention": map[string]interface{}{"type": "string", "description": "How to avoid it next time"},
					"severity":   map[string]interface{}{"type": "string", "description": "low, medium, high, or critical (default medium)"},
					"owner_id":   map[string]interface{}{"type": "string", "description": "Owner scope; omit to use the server default"},
					"session_id": map[string]interface{}{"type": "string", "description": "Session override; omit to use the server session"},
				},
			},
		},
		{
			Name:        "start_trajectory",
			Description: "Begin recording a task trajectory. Returns a trajectory ID to pass to record_action and complete_trajectory. A trajectory stays pending until completed with a terminal outcome.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"task_type"},
				"properties": map[string]interface{}{
					"task_type":   map[string]interface{}{"type": "string", "description": "Task category, e.g. refactor, bugfix, review (required)"},
					"agent_id":    map[string]interface{}{"type": "string", "description": "Which agent is attempting the task"},
					"description": map[string]interface{}{"type": "string", "description": "What the task is"},
					"working_dir": map[string]interface{}{"type": "string", "description": "Directory the task runs in"},
					"topics":      map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Topics the task touches"},
					"owner_id":    map[string]interface{}{"type": "string", "description": "Owner scope; omit to use the server default"},
					"session_id":  map[string]interface{}{"type": "string", "description": "Session override; omit to use the server session"},
				},
			},
		},
		{
			Name:        "record_action",
			Description: "Append a tool action to a pending trajectory. Set to_agent (and omit tool) to record an agent handoff instead. Fails once the trajectory has a terminal outcome.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"trajectory_id"},
				"properties": map[string]interface{}{
					"trajectory_id": map[string]interface{}{"type": "string", "description": "Trajectory being recorded (required)"},
					"tool":          map[string]interface{}{"type": "string", "description": "Tool name, e.g. read, write, bash, grep"},
					"input":         map[string]interface{}{"type": "string", "description": "Tool input (file path, command, query)"},
					"output":        map[string]interface{}{"type": "string", "description": "Short tool output summary"},
					"success":       map[string]interface{}{"type": "boolean", "description": "Whether the action succeeded"},
					"duration_ms":   map[string]interface{}{"type": "integer", "description": "Action duration in milliseconds"},
					"to_agent":      map[string]interface{}{"type": "string", "description": "When set, records a switch to this agent instead of a tool action"},
				},
			},
		},
		{
			Name:        "complete_trajectory",
			Description: "Complete a pending trajectory with a terminal outcome (success, partial, failure, abandoned). Computes the reward and similarity hash. A trajectory can be completed exactly once.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"trajectory_id", "outcome"},
				"properties": map[string]interface{}{
					"trajectory_id": map[string]interface{}{"type": "string", "description": "Trajectory to complete (required)"},
					"outcome":       map[string]interface{}{"type": "string", "description": "success, partial, failure, or abandoned (required)"},
				},
			},
		},
		{
			Name:        "find_similar_trajectories",
			Description: "Find the best prior trajectories for a task type (and optionally an agent), highest reward first. Draws from the recent-success cache, stored successes, and a semantic fallback.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"task_type"},
				"properties": map[string]interface{}{
					"task_type": map[string]interface{}{"type": "string", "description": "Task category to match (required)"},
					"agent_id":  map[string]interface{}{"type": "string", "description": "Preferred agent, when known"},
					"owner_id":  map[string]interface{}{"type": "string", "description": "Owner scope; omit to use the server default"},
				},
			},
		},
		{
			Name:        "replay_suggestions",
			Description: "Distill the best prior success for a task type into a step-by-step action plan with a confidence score. Returns found=false when no precedent exists. Report the outcome with record_replay_result.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"task_type"},
				"properties": map[string]interface{}{
					"task_type": map[string]interface{}{"type": "string", "description": "Task category to plan for (required)"},
					"agent_id":  map[string]interface{}{"type": "string", "description": "Preferred agent, when known"},
					"owner_id":  map[string]interface{}{"type": "string", "description": "Owner scope; omit to use the server default"},
				},
			},
		},
		{
			Name:        "record_replay_result",
			Description: "Report whether a plan from replay_suggestions worked. Adjusts the source trajectory's confidence so future suggestions reflect replay history.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"trajectory_id", "success"},
				"properties": map[string]interface{}{
					"trajectory_id": map[string]interface{}{"type": "string", "description": "Trajectory whose plan was replayed (required)"},
					"success":       map[string]interface{}{"type": "boolean", "description": "Whether the replayed plan worked (required)"},
				},
			},
		},
		{
			Name:        "recommend_dog",
			Description: "Recommend the agent with the best historical average reward for a task type, with the rest ranked as alternatives. Returns found=false when no completed history exists.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"task_type"},
				"properties": map[string]interface{}{
					"task_type": map[string]interface{}{"type": "string", "description": "Task category to recommend for (required)"},
					"owner_id":  map[string]interface{}{"type": "string", "description": "Owner scope; omit to use the server default"},
				},
			},
		},
		{
			Name:        "consolidate",
			Description: "Run one memory consolidation pass (decay stale memories, merge near-duplicates, prune low-value items) for the owner. Use dry_run=true to preview what would change.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"dry_run":  map[string]interface{}{"type": "boolean", "description": "Report planned changes without mutating (default false)"},
					"owner_id": map[string]interface{}{"type": "string", "description": "Owner scope; omit to use the server default"},
				},
			},
		},
		{
			Name:        "memory_health",
			Description: "Report memory health for the owner: totals, low-value and stale fractions, average importance, and a composite health score in [0, 1].",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"owner_id": map[string]interface{}{"type": "string", "description": "Owner scope; omit to use the server default"},
				},
			},
		},
	}
}

// unmarshalParams converts raw request params into a typed args struct.
func (s *Server) unmarshalParams(params interface{}, dest interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal params: %w", err)
	}

	return nil
}

// successResponse creates a JSON-RPC success response.
func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	return json.Marshal(resp)
}

// errorResponse creates a JSON-RPC error response.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	return json.Marshal(resp)
}
