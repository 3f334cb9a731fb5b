// Package mcp implements the Model Context Protocol (MCP) server for Kennel.
// It provides JSON-RPC 2.0 based tools for recording and retrieving memories,
// decisions, lessons, and task trajectories.
package mcp

import (
	"encoding/json"
	"strings"
)

// RememberArgs contains arguments for the remember tool.
type RememberArgs struct {
	OwnerID    string  `json:"owner_id,omitempty"`   // Owner scope; server default when omitted
	SessionID  string  `json:"session_id,omitempty"` // Session override; server session ID when omitted
	Kind       string  `json:"kind,omitempty"`       // summary, key_moment, decision, preference, correction, insight
	Content    string  `json:"content"`              // Memory content (required)
	Importance float64 `json:"importance,omitempty"` // Initial importance in [0, 1]; 0 means the 0.5 default
}

// RememberResult contains the result of storing a memory.
type RememberResult struct {
	ID         string  `json:"id"`
	Kind       string  `json:"kind"`
	Importance float64 `json:"importance"`
	Embedded   bool    `json:"embedded"` // Whether a vector was attached at write time
	Message    string  `json:"message"`
}

// RecallArgs contains arguments for the recall tool.
type RecallArgs struct {
	OwnerID      string   `json:"owner_id,omitempty"`
	Query        string   `json:"query"`                   // Search query (required)
	Kinds        []string `json:"kinds,omitempty"`         // Restrict results to these memory kinds
	Limit        int      `json:"limit,omitempty"`         // Max results (default 10)
	Semantic     bool     `json:"semantic,omitempty"`      // Opt in to vector scoring for this query
	MinRelevance float64  `json:"min_relevance,omitempty"` // Score floor override; 0 uses the configured floor
}

// MemoryHit is one scored memory in a recall or context result.
type MemoryHit struct {
	ID           string  `json:"id"`
	Kind         string  `json:"kind"`
	Content      string  `json:"content"`
	SessionID    string  `json:"session_id,omitempty"`
	Importance   float64 `json:"importance"`
	Score        float64 `json:"score"`
	LexicalScore float64 `json:"lexical_score"`
	VectorScore  float64 `json:"vector_score"`
	CreatedAt    string  `json:"created_at"`
}

// RecallResult contains the result of a recall search.
type RecallResult struct {
	Memories []MemoryHit `json:"memories"`
	Total    int         `json:"total"`
}

// GetContextArgs contains arguments for the get_context tool.
type GetContextArgs struct {
	OwnerID      string   `json:"owner_id,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`    // Current session; excluded from cross-session grouping
	ProjectPath  string   `json:"project_path,omitempty"`  // Scopes the active-decision set
	CurrentTask  string   `json:"current_task,omitempty"`  // What the caller is about to do
	RecentTopics []string `json:"recent_topics,omitempty"` // Recent conversation topics
}

// UnmarshalJSON handles the case where some MCP clients send array fields
// like "recent_topics" as a JSON-encoded string ("[\"a\",\"b\"]") or a
// comma-separated string rather than a proper JSON array. All three forms
// are accepted.
func (a *GetContextArgs) UnmarshalJSON(data []byte) error {
	type Alias GetContextArgs
	aux := &struct {
		RecentTopics json.RawMessage `json:"recent_topics,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	a.RecentTopics = flexibleStringList(aux.RecentTopics)
	return nil
}

// LessonHit is one scored lesson in a context or mistake-check result.
type LessonHit struct {
	ID         string  `json:"id"`
	Mistake    string  `json:"mistake"`
	Correction string  `json:"correction,omitempty"`
	Prevention string  `json:"prevention,omitempty"`
	Severity   string  `json:"severity"`
	Score      float64 `json:"score"`
}

// DecisionSummary is a decision record as returned by the tool surface.
type DecisionSummary struct {
	ID           string   `json:"id"`
	ProjectPath  string   `json:"project_path,omitempty"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Rationale    string   `json:"rationale,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	Status       string   `json:"status"`
	SupersededBy string   `json:"superseded_by,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

// GetContextResult is the situational bundle assembled for a task. The
// ActiveDecisions, CriticalLessons, and HighImportance lists are included
// unconditionally regardless of how well they match the query.
type GetContextResult struct {
	Query           string            `json:"query,omitempty"`
	Memories        []MemoryHit       `json:"memories,omitempty"`
	Lessons         []LessonHit       `json:"lessons,omitempty"`
	ActiveDecisions []DecisionSummary `json:"active_decisions,omitempty"`
	CriticalLessons []LessonHit       `json:"critical_lessons,omitempty"`
	HighImportance  []MemoryHit       `json:"high_importance,omitempty"`
}

// CheckMistakesArgs contains arguments for the check_mistakes tool.
type CheckMistakesArgs struct {
	OwnerID string `json:"owner_id,omitempty"`
	Context string `json:"context"` // Description of what the caller is about to do (required)
}

// CheckMistakesResult contains the result of a mistake check. When no
// recorded lesson resembles the context, Warned is false and the other
// fields are empty.
type CheckMistakesResult struct {
	Warned  bool        `json:"warned"`
	Message string      `json:"message,omitempty"`
	Lesson  *LessonHit  `json:"lesson,omitempty"`
	Related []LessonHit `json:"related,omitempty"`
}

// PriorSessionsArgs contains arguments for the prior_sessions tool.
type PriorSessionsArgs struct {
	OwnerID   string `json:"owner_id,omitempty"`
	SessionID string `json:"session_id,omitempty"` // Current session, excluded from results
	Query     string `json:"query"`                // What to look for in past sessions (required)
	TopN      int    `json:"top_n,omitempty"`      // Max sessions to return (default 3)
}

// PriorSession summarises one past session relevant to a query.
type PriorSession struct {
	SessionID string      `json:"session_id"`
	Score     float64     `json:"score"`
	Memories  []MemoryHit `json:"memories"`
}

// PriorSessionsResult contains the result of a prior-session lookup.
type PriorSessionsResult struct {
	Sessions []PriorSession `json:"sessions"`
}

// RecordDecisionArgs contains arguments for the record_decision tool.
type RecordDecisionArgs struct {
	OwnerID      string   `json:"owner_id,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	ProjectPath  string   `json:"project_path,omitempty"`
	Title        string   `json:"title"` // Decision title (required)
	Description  string   `json:"description,omitempty"`
	Rationale    string   `json:"rationale,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"` // Options that were considered and rejected
}

// UnmarshalJSON accepts "alternatives" as a JSON array, a JSON-encoded
// array string, or a comma-separated string. See GetContextArgs.
func (a *RecordDecisionArgs) UnmarshalJSON(data []byte) error {
	type Alias RecordDecisionArgs
	aux := &struct {
		Alternatives json.RawMessage `json:"alternatives,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	a.Alternatives = flexibleStringList(aux.Alternatives)
	return nil
}

// RecordDecisionResult contains the result of recording a decision.
type RecordDecisionResult struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SupersedeDecisionArgs contains arguments for the supersede_decision tool.
// The replacement decision is described by the same fields as
// record_decision.
type SupersedeDecisionArgs struct {
	OldID        string   `json:"old_id"` // Decision being replaced (required)
	OwnerID      string   `json:"owner_id,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	ProjectPath  string   `json:"project_path,omitempty"` // Inherited from the old decision when omitted
	Title        string   `json:"title"`                  // Replacement title (required)
	Description  string   `json:"description,omitempty"`
	Rationale    string   `json:"rationale,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// SupersedeDecisionResult contains the result of superseding a decision.
type SupersedeDecisionResult struct {
	NewID        string `json:"new_id"`
	SupersededID string `json:"superseded_id"`
	Message      string `json:"message"`
}

// RecordLessonArgs contains arguments for the record_lesson tool.
type RecordLessonArgs struct {
	OwnerID    string `json:"owner_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Mistake    string `json:"mistake"`              // What went wrong (required)
	Correction string `json:"correction,omitempty"` // What fixed it
	Prevention string `json:"prevention,omitempty"` // How to avoid it next time
	Severity   string `json:"severity,omitempty"`   // low, medium, high, critical (default medium)
}

// RecordLessonResult contains the result of recording a lesson.
type RecordLessonResult struct {
	ID          string `json:"id"`
	Severity    string `json:"severity"`
	Occurrences int    `json:"occurrences"`
	Message     string `json:"message"`
}

// StartTrajectoryArgs contains arguments for the start_trajectory tool.
type StartTrajectoryArgs struct {
	OwnerID     string   `json:"owner_id,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	AgentID     string   `json:"agent_id,omitempty"` // Which agent is attempting the task
	TaskType    string   `json:"task_type"`          // Task category, e.g. "refactor" (required)
	Description string   `json:"description,omitempty"`
	WorkingDir  string   `json:"working_dir,omitempty"`
	Topics      []string `json:"topics,omitempty"`
}

// StartTrajectoryResult contains the result of starting a trajectory.
type StartTrajectoryResult struct {
	TrajectoryID string `json:"trajectory_id"`
	Outcome      string `json:"outcome"` // Always "pending" on start
	Message      string `json:"message"`
}

// RecordActionArgs contains arguments for the record_action tool. Setting
// to_agent records an agent handoff instead of a tool action.
type RecordActionArgs struct {
	TrajectoryID string `json:"trajectory_id"` // Trajectory being recorded (required)
	Tool         string `json:"tool,omitempty"`
	Input        string `json:"input,omitempty"`
	Output       string `json:"output,omitempty"`
	Success      bool   `json:"success,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
	ToAgent      string `json:"to_agent,omitempty"` // When set, records a switch to this agent
}

// RecordActionResult contains the result of recording an action.
type RecordActionResult struct {
	TrajectoryID string `json:"trajectory_id"`
	Kind         string `json:"kind"` // Action kind derived from the tool name, or "switch"
	Recorded     bool   `json:"recorded"`
}

// CompleteTrajectoryArgs contains arguments for the complete_trajectory tool.
type CompleteTrajectoryArgs struct {
	TrajectoryID string `json:"trajectory_id"` // Trajectory to complete (required)
	Outcome      string `json:"outcome"`       // success, partial, failure, abandoned (required)
}

// CompleteTrajectoryResult contains the result of completing a trajectory.
type CompleteTrajectoryResult struct {
	TrajectoryID   string  `json:"trajectory_id"`
	Outcome        string  `json:"outcome"`
	Reward         float64 `json:"reward"`
	DurationMs     int64   `json:"duration_ms"`
	SimilarityHash string  `json:"similarity_hash"`
}

// FindSimilarArgs contains arguments for find_similar_trajectories,
// replay_suggestions, and recommend_dog.
type FindSimilarArgs struct {
	OwnerID  string `json:"owner_id,omitempty"`
	TaskType string `json:"task_type"`          // Task category to match (required)
	AgentID  string `json:"agent_id,omitempty"` // Preferred agent, when known
}

// TrajectorySummary is one prior trajectory in a find_similar result.
type TrajectorySummary struct {
	ID          string  `json:"id"`
	TaskType    string  `json:"task_type"`
	AgentID     string  `json:"agent_id,omitempty"`
	Outcome     string  `json:"outcome"`
	Reward      float64 `json:"reward"`
	ToolCount   int     `json:"tool_count"`
	ErrorCount  int     `json:"error_count"`
	ReplayCount int     `json:"replay_count"`
	CreatedAt   string  `json:"created_at"`
}

// FindSimilarResult contains the result of a similar-trajectory search.
type FindSimilarResult struct {
	Trajectories []TrajectorySummary `json:"trajectories"`
	Total        int                 `json:"total"`
}

// ReplaySuggestionsResult contains a distilled action plan from the best
// prior success. Found is false when no usable precedent exists.
type ReplaySuggestionsResult struct {
	Found        bool     `json:"found"`
	TrajectoryID string   `json:"trajectory_id,omitempty"`
	TaskType     string   `json:"task_type,omitempty"`
	AgentID      string   `json:"agent_id,omitempty"`
	Reward       float64  `json:"reward,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
	Plan         []string `json:"plan,omitempty"`
}

// RecordReplayResultArgs contains arguments for the record_replay_result tool.
type RecordReplayResultArgs struct {
	TrajectoryID string `json:"trajectory_id"` // Trajectory whose plan was replayed (required)
	Success      bool   `json:"success"`       // Whether the replayed plan worked
}

// RecordReplayResultResult contains the result of recording a replay outcome.
type RecordReplayResultResult struct {
	TrajectoryID string `json:"trajectory_id"`
	Recorded     bool   `json:"recorded"`
}

// DogStatsSummary aggregates one agent's history for a task type.
type DogStatsSummary struct {
	AgentID   string  `json:"agent_id"`
	Attempts  int     `json:"attempts"`
	Successes int     `json:"successes"`
	AvgReward float64 `json:"avg_reward"`
}

// RecommendDogResult names the agent with the best historical average
// reward for a task type. Found is false when no history exists.
type RecommendDogResult struct {
	Found        bool              `json:"found"`
	TaskType     string            `json:"task_type,omitempty"`
	Recommended  *DogStatsSummary  `json:"recommended,omitempty"`
	Alternatives []DogStatsSummary `json:"alternatives,omitempty"`
}

// ConsolidateArgs contains arguments for the consolidate tool.
type ConsolidateArgs struct {
	OwnerID string `json:"owner_id,omitempty"`
	DryRun  bool   `json:"dry_run,omitempty"` // Report what would change without mutating
}

// MemoryHealthArgs contains arguments for the memory_health tool.
type MemoryHealthArgs struct {
	OwnerID string `json:"owner_id,omitempty"`
}

// flexibleStringList decodes raw as a JSON string array, a JSON-encoded
// array string, or a comma-separated string. Unrecognised shapes yield nil
// rather than an error.
func flexibleStringList(raw json.RawMessage) []string {
	if raw == nil {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		_ = json.Unmarshal([]byte(s), &list)
		return list
	}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			list = append(list, part)
		}
	}
	return list
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"` // Must be "2.0"
	Method  string      `json:"method"`  // Method name
	Params  interface{} `json:"params"`  // Method parameters
	ID      interface{} `json:"id"`      // Request ID (string, number, or null)
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`          // Must be "2.0"
	Result  interface{}   `json:"result,omitempty"` // Result (if successful)
	Error   *JSONRPCError `json:"error,omitempty"`  // Error (if failed)
	ID      interface{}   `json:"id"`               // Request ID
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`           // Error code
	Message string      `json:"message"`        // Error message
	Data    interface{} `json:"data,omitempty"` // Additional error data
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal JSON-RPC error
	ErrCodeServerError    = -32000 // Server error
)

// ---------------------------------------------------------------------------
// Standard MCP protocol types (initialize / tools/list / tools/call)
// ---------------------------------------------------------------------------

// MCPInitializeParams holds the parameters sent by an MCP client in the
// initialize request.
type MCPInitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities,omitempty"`
	ClientInfo      MCPClientInfo          `json:"clientInfo"`
}

// MCPClientInfo identifies the connecting MCP client.
type MCPClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerInfo identifies this MCP server.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities describes what this server supports.
type MCPServerCapabilities struct {
	Tools *MCPToolsCapability `json:"tools,omitempty"`
}

// MCPToolsCapability signals that the server exposes tools.
type MCPToolsCapability struct{}

// MCPInitializeResult is the response to the initialize request.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPTool describes a single tool exposed via the MCP tools/list endpoint.
type MCPTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// MCPToolsListResult is the response to the tools/list request.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams holds the parameters sent in a tools/call request.
type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// MCPToolCallContent is a single content block in a tool call response.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text" for now
	Text string `json:"text"`
}

// MCPToolCallResult is the response to a tools/call request.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}
