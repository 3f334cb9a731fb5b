// Package types defines the core data structures for the Kennel memory
// system: memory items, decision and lesson records, and task trajectories.
package types

import "time"

// MemoryKind classifies a memory item.
type MemoryKind string

// Memory kind constants. Kind is immutable once a memory is created.
const (
	// KindSummary is a condensed recap of a session or conversation.
	KindSummary MemoryKind = "summary"

	// KindKeyMoment is a notable moment worth recalling verbatim.
	KindKeyMoment MemoryKind = "key_moment"

	// KindDecision is a memory-level note about a decision that was made.
	KindDecision MemoryKind = "decision"

	// KindPreference is a standing user or project preference.
	KindPreference MemoryKind = "preference"

	// KindCorrection is a correction the user issued to the assistant.
	KindCorrection MemoryKind = "correction"

	// KindInsight is a derived observation about the project or user.
	KindInsight MemoryKind = "insight"
)

// ValidMemoryKinds lists all valid memory kinds for validation.
var ValidMemoryKinds = []MemoryKind{
	KindSummary,
	KindKeyMoment,
	KindDecision,
	KindPreference,
	KindCorrection,
	KindInsight,
}

// IsValid reports whether k is a known memory kind.
func (k MemoryKind) IsValid() bool {
	for _, v := range ValidMemoryKinds {
		if k == v {
			return true
		}
	}
	return false
}

// MemoryItem is the atomic unit of long-term memory storage.
//
// Importance is always clamped to [0.0, 1.0]. The embedding is optional:
// items written while no embedding provider is configured simply have none
// and participate in lexical search only. Embedding dimension is fixed per
// deployment.
type MemoryItem struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	SessionID string     `json:"session_id,omitempty"`
	Kind      MemoryKind `json:"kind"`
	Content   string     `json:"content"`

	// Embedding is the vector representation of Content, if available.
	Embedding []float64 `json:"embedding,omitempty"`

	// Importance scores how much this item matters (0.0-1.0).
	Importance float64 `json:"importance"`

	// Access tracking, updated as a side effect of retrieval.
	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClampImportance forces Importance back into [0.0, 1.0].
func (m *MemoryItem) ClampImportance() {
	if m.Importance < 0 {
		m.Importance = 0
	}
	if m.Importance > 1 {
		m.Importance = 1
	}
}

// AccessReference returns the timestamp decay calculations should measure
// staleness from: LastAccessedAt when set, CreatedAt otherwise.
func (m *MemoryItem) AccessReference() time.Time {
	if m.LastAccessedAt != nil && !m.LastAccessedAt.IsZero() {
		return *m.LastAccessedAt
	}
	return m.CreatedAt
}
