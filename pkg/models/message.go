package models

import "time"

// Message sections with protocol meaning. Agents may also use free-form
// section tags; only these are interpreted by tests and clients.
const (
	SectionActivation = "activation"
	SectionCompletion = "completion"
	SectionFallback   = "fallback"
	SectionNoInput    = "no_input"
)

// AgentMessage is one unit of inter-agent chatter. Immutable after
// emission; timestamps are non-decreasing within a single agent's output.
type AgentMessage struct {
	Role          Role           `json:"role"`
	Text          string         `json:"text"`
	Timestamp     time.Time      `json:"timestamp"`
	Confidence    *float64       `json:"confidence,omitempty"` // 0–100 when present
	Section       string         `json:"section,omitempty"`
	Collaboration bool           `json:"collaboration"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// IsActivation reports whether this is the agent's opening notice.
func (m AgentMessage) IsActivation() bool { return m.Section == SectionActivation }

// IsCompletion reports whether this is the agent's closing notice.
func (m AgentMessage) IsCompletion() bool { return m.Section == SectionCompletion }

// Conf is a convenience constructor for optional confidence values.
func Conf(v float64) *float64 { return &v }
