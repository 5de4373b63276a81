package hookserver

import (
	"fmt"
	"time"

	"github.com/basket/islandd/internal/bus"
	"github.com/basket/islandd/internal/protocol"
)

const decisionWriteTimeout = 5 * time.Second

// RespondByToolUseID delivers a decision to the parked connection for the
// given tool_use_id. Returns ErrNoPending when no entry exists, in which
// case nothing is written anywhere; a second call for the same id is
// therefore a harmless no-op.
func (s *Server) RespondByToolUseID(toolUseID string, decision protocol.Decision, reason string) error {
	p, ok := s.pending.TakeByToolUseID(toolUseID)
	if !ok {
		return ErrNoPending
	}
	return s.deliver(p, decision, reason)
}

// RespondToLatestForSession delivers a decision to the session's most
// recently parked connection.
func (s *Server) RespondToLatestForSession(sessionID string, decision protocol.Decision, reason string) error {
	p, ok := s.pending.TakeMostRecentBySession(sessionID)
	if !ok {
		return ErrNoPending
	}
	return s.deliver(p, decision, reason)
}

// deliver encodes and writes the decision, then closes the connection
// regardless of the write's outcome. The registry entry was already removed
// by the caller, so no lock is held across the write. Failures are reported
// on the bus; they are never retried, since the hook end is presumed gone.
func (s *Server) deliver(p *Pending, decision protocol.Decision, reason string) error {
	defer func() {
		if p.Conn != nil {
			_ = p.Conn.Close()
		}
	}()

	out, err := protocol.EncodeDecision(decision, reason)
	if err == nil {
		if p.Conn == nil {
			err = fmt.Errorf("pending permission has no connection")
		} else {
			_ = p.Conn.SetWriteDeadline(time.Now().Add(decisionWriteTimeout))
			_, err = p.Conn.Write(out)
		}
	}
	s.b.Publish(bus.TopicHookDecision, bus.DecisionPayload{
		SessionID: p.SessionID,
		ToolUseID: p.ToolUseID,
		Decision:  decision,
		Reason:    reason,
		Delivered: err == nil,
		At:        time.Now(),
	})
	if err != nil {
		s.log.Error("decision delivery failed",
			"session_id", p.SessionID, "tool_use_id", p.ToolUseID, "error", err)
		s.b.Publish(bus.TopicHookDeliveryFailed, bus.DeliveryFailedPayload{
			SessionID: p.SessionID,
			ToolUseID: p.ToolUseID,
			Err:       err.Error(),
		})
		return fmt.Errorf("deliver decision for %s: %w", p.ToolUseID, err)
	}

	s.log.Info("decision delivered",
		"session_id", p.SessionID, "tool_use_id", p.ToolUseID, "decision", string(decision))
	return nil
}

// CancelByToolUseID removes and closes the parked connection for the id
// without writing a decision. Used when the invocation was resolved through
// another surface. Reports whether an entry existed.
func (s *Server) CancelByToolUseID(toolUseID string) bool {
	p, ok := s.pending.TakeByToolUseID(toolUseID)
	if !ok {
		return false
	}
	if p.Conn != nil {
		_ = p.Conn.Close()
	}
	s.log.Info("pending permission canceled", "session_id", p.SessionID, "tool_use_id", toolUseID)
	return true
}

// CancelForSession removes and closes every parked connection for the
// session without writing decisions.
func (s *Server) CancelForSession(sessionID string) {
	s.pending.RemoveAllForSession(sessionID)
}

// HasPendingForSession reports whether the session has a parked permission.
func (s *Server) HasPendingForSession(sessionID string) bool {
	return s.pending.ExistsForSession(sessionID)
}

// PendingForSession returns the session's most recent parked permission
// details without removing it.
func (s *Server) PendingForSession(sessionID string) (PendingInfo, bool) {
	return s.pending.PeekForSession(sessionID)
}
