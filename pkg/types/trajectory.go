package types

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Outcome is the terminal (or pending) state of a trajectory.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSuccess   Outcome = "success"
	OutcomePartial   Outcome = "partial"
	OutcomeFailure   Outcome = "failure"
	OutcomeAbandoned Outcome = "abandoned"
)

// Terminal reports whether o is a terminal outcome. A trajectory moves from
// pending to exactly one terminal outcome and never transitions again.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeSuccess, OutcomePartial, OutcomeFailure, OutcomeAbandoned:
		return true
	}
	return false
}

// ActionKind is the structural classification of an action event, derived
// from the tool that produced it. Replay summarization switches on the kind
// so extraction stays exhaustive rather than string-sniffing a blob.
type ActionKind string

const (
	ActionRead   ActionKind = "read"
	ActionWrite  ActionKind = "write"
	ActionRun    ActionKind = "run"
	ActionSearch ActionKind = "search"
	ActionSwitch ActionKind = "switch"
	ActionOther  ActionKind = "other"
)

// KindForTool maps a tool name to its action kind.
func KindForTool(tool string) ActionKind {
	switch strings.ToLower(tool) {
	case "read", "read_file", "cat":
		return ActionRead
	case "write", "write_file", "edit", "edit_file":
		return ActionWrite
	case "bash", "run", "exec", "shell":
		return ActionRun
	case "grep", "glob", "search", "find":
		return ActionSearch
	case "switch_agent":
		return ActionSwitch
	}
	return ActionOther
}

// ActionEvent is one step in a trajectory's action sequence. Events are
// immutable once appended.
type ActionEvent struct {
	Timestamp  time.Time  `json:"timestamp"`
	Tool       string     `json:"tool"`
	Kind       ActionKind `json:"kind"`
	Input      string     `json:"input,omitempty"`
	Output     string     `json:"output,omitempty"`
	Success    bool       `json:"success"`
	DurationMs int64      `json:"duration_ms"`
}

// Summary renders the event as a short human-readable step for replay
// suggestions, e.g. "Read cmd/main.go" or "Run: go test ./...".
func (e ActionEvent) Summary() string {
	input := strings.TrimSpace(e.Input)
	if len(input) > 80 {
		// Truncate on a rune boundary so multi-byte input stays valid UTF-8.
		cut := 80
		for cut > 0 && !utf8.RuneStart(input[cut]) {
			cut--
		}
		input = input[:cut]
	}
	switch e.Kind {
	case ActionRead:
		return "Read " + input
	case ActionWrite:
		return "Write " + input
	case ActionRun:
		return "Run: " + input
	case ActionSearch:
		return "Search: " + input
	case ActionSwitch:
		return "Switch to " + input
	}
	if input == "" {
		return e.Tool
	}
	return fmt.Sprintf("%s: %s", e.Tool, input)
}

// TaskState is the structured snapshot of the situation a trajectory
// started from.
type TaskState struct {
	Description string            `json:"description,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Topics      []string          `json:"topics,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Trajectory records a goal-directed action sequence with its outcome and
// derived reward.
//
// Lifecycle: created pending, mutated by action/switch recording while
// pending, then completed exactly once with a terminal outcome. Terminal
// records are read-only except for replay bookkeeping (ReplayCount,
// Confidence, SuccessAfterReplay).
type Trajectory struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	TaskType  string `json:"task_type"`

	InitialState TaskState     `json:"initial_state"`
	Actions      []ActionEvent `json:"actions,omitempty"`

	Outcome Outcome `json:"outcome"`

	// Reward is set once the outcome leaves pending; range [-1, 1/φ].
	Reward     float64 `json:"reward"`
	DurationMs int64   `json:"duration_ms"`

	// Monotonic counters over the action sequence.
	ToolCount   int `json:"tool_count"`
	ErrorCount  int `json:"error_count"`
	SwitchCount int `json:"switch_count"`

	// SimilarityHash is the coarse O(1) grouping key over
	// (task type, agent, outcome); distinct from semantic similarity.
	SimilarityHash string `json:"similarity_hash,omitempty"`

	// Replay bookkeeping.
	ReplayCount        int     `json:"replay_count"`
	Confidence         float64 `json:"confidence"`
	SuccessAfterReplay *bool   `json:"success_after_replay,omitempty"`

	// Embedding of SearchText, generated at completion when an embedding
	// provider is configured; enables the semantic fallback lookup.
	Embedding []float64 `json:"embedding,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SearchText returns the text indexed for trajectory lookups: task type,
// agent, outcome, and the task description.
func (t *Trajectory) SearchText() string {
	parts := []string{t.TaskType, t.AgentID, string(t.Outcome)}
	if t.InitialState.Description != "" {
		parts = append(parts, t.InitialState.Description)
	}
	return strings.Join(parts, " ")
}

// SuccessfulActions returns up to limit successful events from the action
// sequence, in order.
func (t *Trajectory) SuccessfulActions(limit int) []ActionEvent {
	var out []ActionEvent
	for _, ev := range t.Actions {
		if !ev.Success {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out
}
