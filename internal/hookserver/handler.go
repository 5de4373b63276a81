package hookserver

import (
	"errors"
	"net"
	"time"

	"github.com/basket/islandd/internal/bus"
	"github.com/basket/islandd/internal/protocol"
	"github.com/basket/islandd/internal/shared"
)

// readPayload accumulates the client's single JSON write. There is no
// delimiter on the wire: a poll interval with no new bytes after some data
// has arrived means the message is complete. A connection that stays silent
// for the whole budget yields nil.
//
// This assumes the hook writes its payload in one burst; a client write
// split across a gap longer than one poll interval would be truncated.
// That is the protocol the hook script has always spoken.
func (s *Server) readPayload(conn net.Conn) []byte {
	var buf []byte
	chunk := make([]byte, 4096)
	deadline := time.Now().Add(s.cfg.ReadBudget)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if len(buf) > 0 {
					return buf
				}
				if time.Now().After(deadline) {
					return nil
				}
				continue
			}
			// EOF or a hard error ends the message with whatever arrived.
			return buf
		}
		if time.Now().After(deadline) {
			return buf
		}
	}
}

// handleConn is the per-connection state machine. Every path either closes
// the connection or registers it in the pending registry before returning;
// a connection is never left un-owned.
func (s *Server) handleConn(conn net.Conn) {
	log := s.log.With("conn_id", shared.NewConnID())
	if addr := conn.RemoteAddr(); addr != nil {
		log = log.With("remote", addr.String())
	}

	payload := s.readPayload(conn)
	if len(payload) == 0 {
		log.Debug("no payload within read budget, closing")
		_ = conn.Close()
		return
	}

	ev, err := protocol.DecodeEvent(payload)
	if err != nil {
		log.Error("dropping undecodable payload", "error", err, "raw", shared.Redact(string(payload)))
		_ = conn.Close()
		return
	}
	receivedAt := time.Now()
	log = log.With("session_id", ev.SessionID, "event", ev.Kind)
	log.Debug("event received", "status", ev.Status, "tool", ev.Tool)

	switch ev.Kind {
	case protocol.EventPreToolUse:
		if ev.ToolUseID != "" {
			s.cache.Record(ev.SessionID, ev.ToolName(), ev.ToolInput, ev.ToolUseID)
		}
	case protocol.EventPostToolUse:
		// The tool already ran, so any decision still parked for it is
		// moot; release the waiting hook without a verdict.
		if ev.ToolUseID != "" {
			if s.CancelByToolUseID(ev.ToolUseID) {
				log.Info("canceled pending permission after tool completion", "tool_use_id", ev.ToolUseID)
			}
		}
	case protocol.EventSessionEnd:
		s.cache.Purge(ev.SessionID)
		s.pending.RemoveAllForSession(ev.SessionID)
	}

	if !ev.ExpectsResponse() {
		_ = conn.Close()
		s.forward(ev, false, receivedAt)
		return
	}

	toolUseID := ev.ToolUseID
	if toolUseID == "" {
		if id, ok := s.cache.Resolve(ev.SessionID, ev.ToolName(), ev.ToolInput); ok {
			toolUseID = id
		}
	}
	if toolUseID == "" {
		// Nothing to correlate the eventual decision against. Close now,
		// but still forward so consumers can at least show the request.
		log.Warn("permission request with no resolvable tool_use_id", "tool", ev.ToolName())
		_ = conn.Close()
		s.forward(ev, false, receivedAt)
		return
	}

	ev.ToolUseID = toolUseID
	_ = conn.SetReadDeadline(time.Time{})
	displaced := s.pending.Register(&Pending{
		SessionID:  ev.SessionID,
		ToolUseID:  toolUseID,
		Event:      ev,
		Conn:       conn,
		ReceivedAt: receivedAt,
	})
	if displaced != nil {
		log.Warn("replaced pending permission", "tool_use_id", toolUseID)
		if displaced.Conn != nil {
			_ = displaced.Conn.Close()
		}
	}
	log.Info("permission request parked", "tool_use_id", toolUseID, "tool", ev.ToolName())
	s.forward(ev, true, receivedAt)
}

func (s *Server) forward(ev protocol.Event, pending bool, receivedAt time.Time) {
	s.b.Publish(bus.TopicHookEvent, bus.HookEventPayload{
		Event:      ev,
		Pending:    pending,
		ReceivedAt: receivedAt,
	})
}
