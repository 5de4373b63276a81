package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/islandd/internal/bus"
	"github.com/basket/islandd/internal/protocol"
)

// Snapshot is the latest known state of one session.
type Snapshot struct {
	SessionID string          `json:"session_id"`
	CWD       string          `json:"cwd,omitempty"`
	PID       int             `json:"pid,omitempty"`
	TTY       string          `json:"tty,omitempty"`
	Phase     Phase           `json:"phase"`
	Tool      string          `json:"tool,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolInput *protocol.Value `json:"tool_input,omitempty"`
	Message   string          `json:"message,omitempty"`
	LastEvent string          `json:"last_event"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Tracker folds forwarded hook events into per-session snapshots and
// publishes phase transitions back onto the bus.
type Tracker struct {
	b   *bus.Bus
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]Snapshot
}

func NewTracker(b *bus.Bus, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		b:        b,
		log:      log,
		sessions: make(map[string]Snapshot),
	}
}

// Run consumes hook events until ctx is canceled.
func (t *Tracker) Run(ctx context.Context) {
	sub := t.b.Subscribe(bus.TopicHookEvent)
	defer t.b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			payload, ok := ev.Payload.(bus.HookEventPayload)
			if !ok {
				continue
			}
			t.Apply(payload.Event)
		}
	}
}

// Apply updates the snapshot for the event's session. SessionEnd drops the
// session entirely.
func (t *Tracker) Apply(ev protocol.Event) {
	phase, perm := PhaseOf(ev)

	t.mu.Lock()
	prev, existed := t.sessions[ev.SessionID]

	if ev.Kind == protocol.EventSessionEnd {
		delete(t.sessions, ev.SessionID)
		t.mu.Unlock()
		if existed {
			t.publishPhase(ev.SessionID, PhaseEnded, "", "")
		}
		return
	}

	snap := Snapshot{
		SessionID: ev.SessionID,
		CWD:       ev.CWD,
		PID:       ev.PID,
		TTY:       ev.TTY,
		Phase:     phase,
		Message:   ev.Message,
		LastEvent: ev.Kind,
		UpdatedAt: time.Now(),
	}
	// Events omit fields they don't carry; keep the last known values.
	if snap.CWD == "" {
		snap.CWD = prev.CWD
	}
	if snap.PID == 0 {
		snap.PID = prev.PID
	}
	if snap.TTY == "" {
		snap.TTY = prev.TTY
	}
	if ev.Tool != "" {
		snap.Tool = ev.Tool
		snap.ToolInput = ev.ToolInput
	} else {
		snap.Tool = prev.Tool
		snap.ToolInput = prev.ToolInput
	}
	if perm != nil {
		snap.ToolUseID = perm.ToolUseID
	}
	t.sessions[ev.SessionID] = snap
	t.mu.Unlock()

	if !existed || prev.Phase != phase {
		t.publishPhase(ev.SessionID, phase, snap.Tool, snap.ToolUseID)
	}
}

func (t *Tracker) publishPhase(sessionID string, phase Phase, tool, toolUseID string) {
	t.log.Debug("session phase", "session_id", sessionID, "phase", string(phase), "tool", tool)
	t.b.Publish(bus.TopicSessionPhase, bus.SessionPhasePayload{
		SessionID: sessionID,
		Phase:     string(phase),
		Tool:      tool,
		ToolUseID: toolUseID,
		At:        time.Now(),
	})
}

// Get returns the snapshot for one session.
func (t *Tracker) Get(sessionID string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.sessions[sessionID]
	return snap, ok
}

// List returns all live session snapshots, most recently updated first.
func (t *Tracker) List() []Snapshot {
	t.mu.RLock()
	out := make([]Snapshot, 0, len(t.sessions))
	for _, snap := range t.sessions {
		out = append(out, snap)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}
