package hookserver

import (
	"net"
	"sync"
	"time"

	"github.com/basket/islandd/internal/protocol"
)

// Pending is a parked connection awaiting a decision for one tool_use_id.
// The registry owns the connection from Register until a take/remove call;
// whoever removes an entry is responsible for closing its connection.
type Pending struct {
	SessionID  string
	ToolUseID  string
	Event      protocol.Event
	Conn       net.Conn
	ReceivedAt time.Time
}

// PendingInfo is the read-only view exposed to consumers.
type PendingInfo struct {
	Tool      string          `json:"tool"`
	ToolUseID string          `json:"tool_use_id"`
	ToolInput *protocol.Value `json:"tool_input,omitempty"`
}

// PendingRegistry is the shared table of in-flight permission requests,
// keyed by tool_use_id. All operations are atomic under its mutex; none
// performs connection I/O while holding the lock.
type PendingRegistry struct {
	mu   sync.Mutex
	byID map[string]*Pending
}

func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{
		byID: make(map[string]*Pending),
	}
}

// Register inserts p, replacing any existing entry with the same
// tool_use_id. The displaced entry, if any, is returned with its connection
// still open: ownership transfers back to the caller, which must close it.
// Register itself never closes a connection.
func (r *PendingRegistry) Register(p *Pending) (displaced *Pending) {
	r.mu.Lock()
	defer r.mu.Unlock()
	displaced = r.byID[p.ToolUseID]
	r.byID[p.ToolUseID] = p
	return displaced
}

// TakeByToolUseID removes and returns the entry for the id.
func (r *PendingRegistry) TakeByToolUseID(toolUseID string) (*Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[toolUseID]
	if ok {
		delete(r.byID, toolUseID)
	}
	return p, ok
}

// TakeMostRecentBySession removes and returns the session's entry with the
// latest receipt timestamp. Equal timestamps tie-break on the greater
// tool_use_id, which keeps the result deterministic.
func (r *PendingRegistry) TakeMostRecentBySession(sessionID string) (*Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Pending
	for _, p := range r.byID {
		if p.SessionID != sessionID {
			continue
		}
		if best == nil ||
			p.ReceivedAt.After(best.ReceivedAt) ||
			(p.ReceivedAt.Equal(best.ReceivedAt) && p.ToolUseID > best.ToolUseID) {
			best = p
		}
	}
	if best == nil {
		return nil, false
	}
	delete(r.byID, best.ToolUseID)
	return best, true
}

// ExistsForSession reports whether any entry belongs to the session.
func (r *PendingRegistry) ExistsForSession(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.byID {
		if p.SessionID == sessionID {
			return true
		}
	}
	return false
}

// PeekForSession returns the most recent entry's details without removal.
func (r *PendingRegistry) PeekForSession(sessionID string) (PendingInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Pending
	for _, p := range r.byID {
		if p.SessionID != sessionID {
			continue
		}
		if best == nil ||
			p.ReceivedAt.After(best.ReceivedAt) ||
			(p.ReceivedAt.Equal(best.ReceivedAt) && p.ToolUseID > best.ToolUseID) {
			best = p
		}
	}
	if best == nil {
		return PendingInfo{}, false
	}
	return PendingInfo{
		Tool:      best.Event.ToolName(),
		ToolUseID: best.ToolUseID,
		ToolInput: best.Event.ToolInput,
	}, true
}

// RemoveAllForSession closes and discards every entry for the session.
// No decision is written on those connections.
func (r *PendingRegistry) RemoveAllForSession(sessionID string) {
	r.mu.Lock()
	var removed []*Pending
	for id, p := range r.byID {
		if p.SessionID == sessionID {
			removed = append(removed, p)
			delete(r.byID, id)
		}
	}
	r.mu.Unlock()

	for _, p := range removed {
		if p.Conn != nil {
			_ = p.Conn.Close()
		}
	}
}

// DrainAll closes and discards every entry. Used at shutdown.
func (r *PendingRegistry) DrainAll() {
	r.mu.Lock()
	all := make([]*Pending, 0, len(r.byID))
	for _, p := range r.byID {
		all = append(all, p)
	}
	r.byID = make(map[string]*Pending)
	r.mu.Unlock()

	for _, p := range all {
		if p.Conn != nil {
			_ = p.Conn.Close()
		}
	}
}

// Len returns the number of pending entries.
func (r *PendingRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
