// Package types defines shared data structures for the relay engine.
package types

import "time"

// Message roles as used on the provider wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a tool invocation emitted by the model. Immutable once emitted.
type ToolCall struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments_json"`
}

// Message is one entry in a conversation history.
//
// A tool message's ToolCallID must reference a ToolCalls[].ID emitted by an
// earlier assistant message in the same history; histories violating this are
// repaired before transmission (see the history package).
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitempty"`
}

// Usage reports token consumption for a single completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ContextUsage is the running context-budget view for one session.
type ContextUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	MaxTokens        int     `json:"max_tokens"`
	UsagePercent     float64 `json:"usage_percent"`
}

// InteractionKind distinguishes the two pause points where the agent needs a
// human decision.
type InteractionKind string

const (
	InteractionAsk      InteractionKind = "ask"
	InteractionApproval InteractionKind = "approval"
)

// Interaction is a pending human-input request raised by a session. It is
// enqueued in the global modal queue and answered exactly once, routed back by
// (SessionID, RequestID).
type Interaction struct {
	Kind      InteractionKind `json:"kind"`
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id"`

	// Prompt is the question shown for an ask interaction.
	Prompt string `json:"prompt,omitempty"`
	// ToolCall is the invocation awaiting approval for an approval interaction.
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// Answer is the human response to an Interaction.
type Answer struct {
	Text     string `json:"text,omitempty"`
	Approved bool   `json:"approved"`
}

// SessionState is the lifecycle state of one agent session.
type SessionState string

const (
	SessionCreated             SessionState = "created"
	SessionRunning             SessionState = "running"
	SessionAwaitingInteraction SessionState = "awaiting_interaction"
	SessionCompleted           SessionState = "completed"
	SessionAborted             SessionState = "aborted"
	SessionCrashed             SessionState = "crashed"
)

// TurnResult is the outcome of one user turn: the finalized assistant content
// plus the full updated history and the usage snapshot after the turn.
type TurnResult struct {
	Content string       `json:"content"`
	History []Message    `json:"history"`
	Usage   ContextUsage `json:"usage"`
}

// EventKind labels engine events emitted toward the host.
type EventKind string

const (
	EventToolCallStarted  EventKind = "tool_call_started"
	EventToolCallFinished EventKind = "tool_call_finished"
	EventAssistantDelta   EventKind = "assistant_delta"
	EventTodoUpdated      EventKind = "todo_updated"
)

// Event is a host-renderable notification raised by a running session. Events
// for a session that is not currently displayed are buffered per session and
// replayed when the host switches back to it.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	ToolName  string    `json:"tool_name,omitempty"`
	Text      string    `json:"text,omitempty"`
	Err       string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
