// Package protocol implements the wire format spoken by the Claude Code
// hook script: one JSON event object per connection, and for permission
// requests a single JSON decision object written back before close.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Hook event kinds, as emitted by the hook script.
const (
	EventSessionStart      = "SessionStart"
	EventSessionEnd        = "SessionEnd"
	EventUserPromptSubmit  = "UserPromptSubmit"
	EventPreToolUse        = "PreToolUse"
	EventPostToolUse       = "PostToolUse"
	EventPermissionRequest = "PermissionRequest"
	EventNotification      = "Notification"
	EventStop              = "Stop"
	EventSubagentStop      = "SubagentStop"
	EventPreCompact        = "PreCompact"
)

// Status literals carried alongside event kinds.
const (
	StatusProcessing         = "processing"
	StatusRunningTool        = "running_tool"
	StatusWaitingForApproval = "waiting_for_approval"
	StatusWaitingForInput    = "waiting_for_input"
	StatusNotification       = "notification"
	StatusCompacting         = "compacting"
	StatusEnded              = "ended"
)

// NotificationIdlePrompt marks the "Claude is waiting for you" notification.
const NotificationIdlePrompt = "idle_prompt"

// ErrMalformedPayload is returned when a connection's bytes are not a
// well-formed event. The wrapped message retains the decode diagnostics.
var ErrMalformedPayload = errors.New("malformed payload")

// Turn is one entry of a conversation transcript attached to remote events.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Event is a single hook lifecycle report. One event arrives per accepted
// connection. The struct is immutable after decode except for ToolUseID,
// which the session handler replaces when it resolves a correlation from
// the cache.
type Event struct {
	SessionID        string `json:"session_id"`
	CWD              string `json:"cwd,omitempty"`
	Kind             string `json:"event"`
	Status           string `json:"status,omitempty"`
	PID              int    `json:"pid,omitempty"`
	TTY              string `json:"tty,omitempty"`
	Tool             string `json:"tool,omitempty"`
	ToolInput        *Value `json:"tool_input,omitempty"`
	ToolUseID        string `json:"tool_use_id,omitempty"`
	NotificationType string `json:"notification_type,omitempty"`
	Message          string `json:"message,omitempty"`
	Conversation     []Turn `json:"conversation,omitempty"`
}

// ExpectsResponse reports whether the sender is blocked waiting for a
// decision on this connection. Only a PermissionRequest that declares
// itself waiting qualifies; any other kind/status combination is
// fire-and-forget.
func (e Event) ExpectsResponse() bool {
	return e.Kind == EventPermissionRequest && e.Status == StatusWaitingForApproval
}

// ToolName returns the tool name, or "unknown" when the event carries none.
// Correlation cache keys use this so PreToolUse and PermissionRequest events
// with a missing tool field still land on the same key.
func (e Event) ToolName() string {
	if e.Tool == "" {
		return "unknown"
	}
	return e.Tool
}

// DecodeEvent parses a single event object from raw connection bytes.
// It fails with ErrMalformedPayload when the bytes are not well-formed JSON
// or the required session_id/event fields are missing.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ev.SessionID == "" {
		return Event{}, fmt.Errorf("%w: missing session_id", ErrMalformedPayload)
	}
	if ev.Kind == "" {
		return Event{}, fmt.Errorf("%w: missing event", ErrMalformedPayload)
	}
	return ev, nil
}

// Decision is the verdict delivered to a waiting hook.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

// Valid reports whether d is one of the three wire decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionAsk:
		return true
	default:
		return false
	}
}

// DecisionResponse is the object written back down a parked connection.
// Reason is omitted when empty; that is not an encode error.
type DecisionResponse struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
}

// EncodeDecision serializes a decision response for the wire.
func EncodeDecision(decision Decision, reason string) ([]byte, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}
	return json.Marshal(DecisionResponse{Decision: decision, Reason: reason})
}
