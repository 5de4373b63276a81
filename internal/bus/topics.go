package bus

import (
	"time"

	"github.com/basket/islandd/internal/protocol"
)

// Hook server topics.
const (
	// TopicHookEvent carries every decoded, forwarded hook event.
	// Payload: HookEventPayload.
	TopicHookEvent = "hook.event"

	// TopicHookDecision is published after every dispatch attempt,
	// delivered or not. Payload: DecisionPayload.
	TopicHookDecision = "hook.decision"

	// TopicHookDeliveryFailed is published when a decision could not be
	// written to a parked connection. Payload: DeliveryFailedPayload.
	TopicHookDeliveryFailed = "hook.delivery_failed"

	// TopicSessionPhase is published by the session tracker on phase
	// transitions. Payload: SessionPhasePayload.
	TopicSessionPhase = "session.phase"
)

// HookEventPayload wraps a forwarded event. Pending reports whether a
// permission request was parked and registered for this event; a
// PermissionRequest with Pending=false had no resolvable correlation id
// and its connection is already closed (log-only path for consumers).
type HookEventPayload struct {
	Event      protocol.Event
	Pending    bool
	ReceivedAt time.Time
}

// DecisionPayload records the outcome of one dispatch attempt.
type DecisionPayload struct {
	SessionID string
	ToolUseID string
	Decision  protocol.Decision
	Reason    string
	Delivered bool
	At        time.Time
}

// DeliveryFailedPayload identifies a pending permission whose decision
// write failed. The waiting hook is presumed gone; the consumer should
// resolve the underlying wait some other way.
type DeliveryFailedPayload struct {
	SessionID string
	ToolUseID string
	Err       string
}

// SessionPhasePayload describes a session phase transition.
type SessionPhasePayload struct {
	SessionID string
	Phase     string
	Tool      string
	ToolUseID string
	At        time.Time
}
