package protocol

import "time"

// Request is the envelope written to the worker's stdin.
type Request struct {
	Protocol     int       `json:"protocol"`
	DispatchID   string    `json:"dispatch_id"`
	AgentID      string    `json:"agent_id"`
	AgentHandle  string    `json:"agent_handle,omitempty"`
	SpaceID      string    `json:"space_id"`
	SpaceName    string    `json:"space_name,omitempty"`
	SenderHandle string    `json:"sender_handle,omitempty"`
	SenderType   string    `json:"sender_type,omitempty"`
	Message      string    `json:"message"`
	AuthToken    string    `json:"auth_token,omitempty"`
	ToolEndpoint string    `json:"tool_endpoint,omitempty"`
	DeadlineAt   time.Time `json:"deadline_at"`
}

// Stream event types emitted by the worker on stdout.
const (
	EventText    = "text"
	EventToolUse = "tool_use"
	EventError   = "error"
)

// StreamEvent is one newline-delimited JSON event on the worker's stdout.
// A worker may emit zero or more text events, tool_use events as it works,
// and at most one error event.
type StreamEvent struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Tool  string `json:"tool,omitempty"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}
