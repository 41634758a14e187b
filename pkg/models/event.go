package models

import "time"

// EventTypeComplete marks the terminal event of a submission stream.
const EventTypeComplete = "complete"

// StreamEvent is the client-facing wire form of one stream entry. Either
// Role is set (agent message) or Type is "complete" (terminal event).
type StreamEvent struct {
	Type          string              `json:"type,omitempty"`
	Role          Role                `json:"role,omitempty"`
	Text          string              `json:"text,omitempty"`
	Confidence    *float64            `json:"confidence,omitempty"`
	Section       string              `json:"section,omitempty"`
	Collaboration bool                `json:"collaboration"`
	Timestamp     string              `json:"timestamp,omitempty"` // RFC 3339
	Metadata      map[string]any      `json:"metadata,omitempty"`
	Cached        *bool               `json:"cached,omitempty"`
	Result        *ResurrectionResult `json:"result,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// EventFromMessage converts an AgentMessage into its wire form.
func EventFromMessage(m AgentMessage) StreamEvent {
	return StreamEvent{
		Role:          m.Role,
		Text:          m.Text,
		Confidence:    m.Confidence,
		Section:       m.Section,
		Collaboration: m.Collaboration,
		Timestamp:     m.Timestamp.Format(time.RFC3339Nano),
		Metadata:      m.Metadata,
	}
}

// CompletionEvent builds the terminal event for a successful run.
func CompletionEvent(result *ResurrectionResult, cached bool) StreamEvent {
	return StreamEvent{
		Type:   EventTypeComplete,
		Cached: &cached,
		Result: result,
	}
}

// ErrorCompletionEvent builds the terminal event for a run that produced
// no result (invalid input, invariant violation).
func ErrorCompletionEvent(reason string) StreamEvent {
	return StreamEvent{Type: EventTypeComplete, Error: reason}
}
