// Package session derives and tracks per-session state from the hook event
// stream. A phase is a pure projection of one event; the tracker folds the
// stream into the latest snapshot per session.
package session

import (
	"time"

	"github.com/basket/islandd/internal/protocol"
)

// Phase classifies what a Claude Code session is doing right now.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseProcessing         Phase = "processing"
	PhaseCompacting         Phase = "compacting"
	PhaseWaitingForInput    Phase = "waiting_for_input"
	PhaseWaitingForApproval Phase = "waiting_for_approval"
	PhaseEnded              Phase = "ended"
)

// PermissionContext accompanies PhaseWaitingForApproval: the tool invocation
// a decision is owed on.
type PermissionContext struct {
	ToolUseID  string
	Tool       string
	ToolInput  *protocol.Value
	ReceivedAt time.Time
}

// PhaseOf projects an event onto a session phase. The mapping mirrors the
// status assignment in the hook script, so the daemon and the hook agree on
// what each event kind means.
func PhaseOf(ev protocol.Event) (Phase, *PermissionContext) {
	switch ev.Kind {
	case protocol.EventUserPromptSubmit, protocol.EventPreToolUse, protocol.EventPostToolUse:
		return PhaseProcessing, nil
	case protocol.EventPermissionRequest:
		if ev.Status == protocol.StatusWaitingForApproval {
			return PhaseWaitingForApproval, &PermissionContext{
				ToolUseID:  ev.ToolUseID,
				Tool:       ev.ToolName(),
				ToolInput:  ev.ToolInput,
				ReceivedAt: time.Now(),
			}
		}
		return PhaseProcessing, nil
	case protocol.EventNotification:
		if ev.NotificationType == protocol.NotificationIdlePrompt {
			return PhaseWaitingForInput, nil
		}
		return PhaseIdle, nil
	case protocol.EventStop, protocol.EventSubagentStop, protocol.EventSessionStart:
		return PhaseWaitingForInput, nil
	case protocol.EventSessionEnd:
		return PhaseEnded, nil
	case protocol.EventPreCompact:
		return PhaseCompacting, nil
	default:
		return PhaseIdle, nil
	}
}
