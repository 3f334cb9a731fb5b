package types

import "time"

// DecisionStatus is the lifecycle status of a decision record.
type DecisionStatus string

const (
	// DecisionActive is a decision currently in force.
	DecisionActive DecisionStatus = "active"

	// DecisionSuperseded is a decision replaced by a newer one. The old
	// record's content is never mutated; only its status flips and
	// SupersededBy links to the replacement.
	DecisionSuperseded DecisionStatus = "superseded"

	// DecisionArchived is a decision retired without replacement.
	DecisionArchived DecisionStatus = "archived"
)

// DecisionRecord captures a project-scoped decision with its rationale and
// the alternatives that were considered.
type DecisionRecord struct {
	ID           string   `json:"id"`
	OwnerID      string   `json:"owner_id"`
	SessionID    string   `json:"session_id,omitempty"`
	ProjectPath  string   `json:"project_path,omitempty"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Rationale    string   `json:"rationale,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`

	Status DecisionStatus `json:"status"`

	// SupersededBy is the ID of the decision that replaced this one.
	// Set only when Status is DecisionSuperseded.
	SupersededBy string `json:"superseded_by,omitempty"`

	Embedding []float64 `json:"embedding,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LessonSeverity grades how costly a recorded mistake was.
type LessonSeverity string

const (
	SeverityLow      LessonSeverity = "low"
	SeverityMedium   LessonSeverity = "medium"
	SeverityHigh     LessonSeverity = "high"
	SeverityCritical LessonSeverity = "critical"
)

// ValidLessonSeverities lists all valid severities for validation.
var ValidLessonSeverities = []LessonSeverity{
	SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical,
}

// IsValid reports whether s is a known severity.
func (s LessonSeverity) IsValid() bool {
	for _, v := range ValidLessonSeverities {
		if s == v {
			return true
		}
	}
	return false
}

// Overrides reports whether the severity is strong enough to surface a
// lesson regardless of its textual relevance score.
func (s LessonSeverity) Overrides() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// LessonRecord captures a mistake, its correction, and how to prevent a
// recurrence. Occurrences counts how often the mistake pattern has been
// re-encountered in later contexts.
type LessonRecord struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"owner_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Mistake    string         `json:"mistake"`
	Correction string         `json:"correction"`
	Prevention string         `json:"prevention,omitempty"`
	Severity   LessonSeverity `json:"severity"`

	Occurrences int        `json:"occurrences"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`

	Embedding []float64 `json:"embedding,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Text returns the searchable text of the lesson (mistake + correction +
// prevention joined), used for lexical indexing and embedding.
func (l *LessonRecord) Text() string {
	text := l.Mistake
	if l.Correction != "" {
		text += "\n" + l.Correction
	}
	if l.Prevention != "" {
		text += "\n" + l.Prevention
	}
	return text
}
