package agent

import "time"

// EventKind discriminates a SessionEvent's payload shape.
type EventKind string

const (
	EventSessionStart       EventKind = "session_start"
	EventSessionEnd         EventKind = "session_end"
	EventUserInput          EventKind = "user_input"
	EventAssistantTextStart EventKind = "assistant_text_start"
	EventAssistantTextDelta EventKind = "assistant_text_delta"
	EventAssistantTextEnd   EventKind = "assistant_text_end"
	EventToolCallStart      EventKind = "tool_call_start"
	EventToolCallOutputDelta EventKind = "tool_call_output_delta"
	EventToolCallEnd        EventKind = "tool_call_end"
	EventTurnLimit          EventKind = "turn_limit"
	EventWarning            EventKind = "warning"
	EventError              EventKind = "error"
	EventLoopDetection      EventKind = "loop_detection"
	EventSteeringInjected   EventKind = "steering_injected"
)

// SessionEvent is one notification emitted on a Session's event channel.
// Data holds kind-specific fields (see each Event* constant's emit site).
type SessionEvent struct {
	Kind      EventKind
	Timestamp time.Time
	SessionID string
	Data      map[string]any
}
