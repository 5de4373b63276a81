// Package gateway exposes an HTTP surface for observing sessions and
// answering pending permission requests from outside the hook socket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/islandd/internal/bus"
	"github.com/basket/islandd/internal/hookserver"
	"github.com/basket/islandd/internal/persistence"
	"github.com/basket/islandd/internal/protocol"
	"github.com/basket/islandd/internal/session"
)

// DefaultAddr binds to loopback only. Remote approval over a non-loopback
// address is an operator decision made in config.
const DefaultAddr = "127.0.0.1:52946"

const shutdownGrace = 3 * time.Second

// Config carries the gateway's collaborators. Store may be nil when
// history is disabled.
type Config struct {
	Addr    string
	Hook    *hookserver.Server
	Tracker *session.Tracker
	Store   *persistence.Store
	Bus     *bus.Bus
	Logger  *slog.Logger
}

// Server serves session state and decision endpoints over HTTP, plus a
// WebSocket feed of bus traffic.
type Server struct {
	cfg  Config
	log  *slog.Logger
	http *http.Server
	ln   net.Listener
}

func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, log: log.With("component", "gateway")}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/sessions/", s.handleSessionByID)
	mux.HandleFunc("/v1/decisions", s.handleDecision)
	mux.HandleFunc("/v1/events", s.handleEvents)
	return mux
}

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.log.Info("gateway listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = s.http.Shutdown(shutCtx)
	}()

	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr reports the bound address, useful when the config asked for port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.cfg.Tracker.List()),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	snaps := s.cfg.Tracker.List()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": snaps})
}

// handleSessionByID routes /v1/sessions/{id}/pending and
// /v1/sessions/{id}/events.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "session id required")
		return
	}
	switch sub {
	case "pending":
		s.handleSessionPending(w, id)
	case "events":
		s.handleSessionEvents(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (s *Server) handleSessionPending(w http.ResponseWriter, id string) {
	info, ok := s.cfg.Hook.PendingForSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no pending permission for session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  id,
		"tool":        info.Tool,
		"tool_use_id": info.ToolUseID,
		"tool_input":  info.ToolInput,
	})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request, id string) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	rows, err := s.cfg.Store.ListSessionEvents(r.Context(), id, limit)
	if err != nil {
		s.log.Error("list session events", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": rows})
}

type decisionRequest struct {
	SessionID string `json:"session_id,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	decision := protocol.Decision(req.Decision)
	if !decision.Valid() {
		writeError(w, http.StatusBadRequest, "decision must be allow, deny, or ask")
		return
	}

	var err error
	switch {
	case req.ToolUseID != "":
		err = s.cfg.Hook.RespondByToolUseID(req.ToolUseID, decision, req.Reason)
	case req.SessionID != "":
		err = s.cfg.Hook.RespondToLatestForSession(req.SessionID, decision, req.Reason)
	default:
		writeError(w, http.StatusBadRequest, "session_id or tool_use_id required")
		return
	}
	switch {
	case errors.Is(err, hookserver.ErrNoPending):
		writeError(w, http.StatusNotFound, "no pending permission request")
	case err != nil:
		// The decision was recorded but the hook never saw it. 502 tells
		// the caller the agent side is not going to unblock.
		writeError(w, http.StatusBadGateway, "decision could not be delivered")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"decision": string(decision), "delivered": true})
	}
}

// busFrame is the WebSocket wire shape for one bus message.
type busFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, busFrame{Topic: msg.Topic, Payload: msg.Payload}); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
