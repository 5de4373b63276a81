package hookserver

import (
	"sync"

	"github.com/basket/islandd/internal/protocol"
)

// correlationKey identifies one tool invocation shape within a session.
// Args is the canonical serialization of tool_input, so field order in the
// original JSON never splits a key.
type correlationKey struct {
	session string
	tool    string
	args    string
}

// CorrelationCache bridges PreToolUse and PermissionRequest events.
// PreToolUse carries a tool_use_id; the PermissionRequest for the same
// invocation usually does not. The cache queues ids per (session, tool,
// canonical args) so the request can pick up the oldest announced id.
//
// FIFO order is the contract: Claude Code never interleaves two invocations
// of the identical tool with identical arguments in a session in an order
// that strict FIFO would resolve wrongly.
type CorrelationCache struct {
	mu     sync.Mutex
	queues map[correlationKey][]string
}

func NewCorrelationCache() *CorrelationCache {
	return &CorrelationCache{
		queues: make(map[correlationKey][]string),
	}
}

func (c *CorrelationCache) key(session, tool string, args *protocol.Value) correlationKey {
	if tool == "" {
		tool = "unknown"
	}
	return correlationKey{session: session, tool: tool, args: args.Canonical()}
}

// Record appends toolUseID to the queue for the derived key.
func (c *CorrelationCache) Record(session, tool string, args *protocol.Value, toolUseID string) {
	key := c.key(session, tool, args)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[key] = append(c.queues[key], toolUseID)
}

// Resolve pops and returns the oldest queued id for the derived key.
// Returns false when the key is absent.
func (c *CorrelationCache) Resolve(session, tool string, args *protocol.Value) (string, bool) {
	key := c.key(session, tool, args)
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.queues[key]
	if len(queue) == 0 {
		return "", false
	}
	id := queue[0]
	if len(queue) == 1 {
		delete(c.queues, key)
	} else {
		c.queues[key] = queue[1:]
	}
	return id, true
}

// Purge removes every queue belonging to the session.
func (c *CorrelationCache) Purge(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.queues {
		if key.session == session {
			delete(c.queues, key)
		}
	}
}

// Len returns the number of live keys.
func (c *CorrelationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues)
}
