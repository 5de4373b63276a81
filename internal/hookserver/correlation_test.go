package hookserver

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/basket/islandd/internal/protocol"
)

func mustValue(t *testing.T, raw string) *protocol.Value {
	t.Helper()
	var v protocol.Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatal(err)
	}
	return &v
}

func TestCorrelationCache_FIFO(t *testing.T) {
	c := NewCorrelationCache()
	args := mustValue(t, `{"command":"ls"}`)

	c.Record("s1", "bash", args, "A")
	c.Record("s1", "bash", args, "B")

	id, ok := c.Resolve("s1", "bash", args)
	if !ok || id != "A" {
		t.Fatalf("first resolve = %q, %v; want A", id, ok)
	}
	id, ok = c.Resolve("s1", "bash", args)
	if !ok || id != "B" {
		t.Fatalf("second resolve = %q, %v; want B", id, ok)
	}
	if id, ok := c.Resolve("s1", "bash", args); ok {
		t.Fatalf("third resolve returned %q, want nothing", id)
	}
	if c.Len() != 0 {
		t.Fatalf("cache has %d keys after drain", c.Len())
	}
}

func TestCorrelationCache_KeyIgnoresFieldOrder(t *testing.T) {
	c := NewCorrelationCache()
	c.Record("s1", "bash", mustValue(t, `{"command":"ls","timeout":5}`), "id-1")

	id, ok := c.Resolve("s1", "bash", mustValue(t, `{"timeout":5,"command":"ls"}`))
	if !ok || id != "id-1" {
		t.Fatalf("resolve across field orders = %q, %v", id, ok)
	}
}

func TestCorrelationCache_KeySeparation(t *testing.T) {
	c := NewCorrelationCache()
	args := mustValue(t, `{"command":"ls"}`)
	c.Record("s1", "bash", args, "id-1")

	if _, ok := c.Resolve("s2", "bash", args); ok {
		t.Fatal("resolved across sessions")
	}
	if _, ok := c.Resolve("s1", "edit", args); ok {
		t.Fatal("resolved across tools")
	}
	if _, ok := c.Resolve("s1", "bash", mustValue(t, `{"command":"pwd"}`)); ok {
		t.Fatal("resolved across arguments")
	}
	if id, ok := c.Resolve("s1", "bash", args); !ok || id != "id-1" {
		t.Fatalf("exact key = %q, %v", id, ok)
	}
}

func TestCorrelationCache_EmptyToolBecomesUnknown(t *testing.T) {
	c := NewCorrelationCache()
	c.Record("s1", "", nil, "id-1")
	if id, ok := c.Resolve("s1", "unknown", nil); !ok || id != "id-1" {
		t.Fatalf("resolve = %q, %v", id, ok)
	}
}

func TestCorrelationCache_NilArgsMatchesNil(t *testing.T) {
	c := NewCorrelationCache()
	c.Record("s1", "bash", nil, "id-1")
	if id, ok := c.Resolve("s1", "bash", nil); !ok || id != "id-1" {
		t.Fatalf("resolve = %q, %v", id, ok)
	}
}

func TestCorrelationCache_Purge(t *testing.T) {
	c := NewCorrelationCache()
	args := mustValue(t, `{"command":"ls"}`)
	c.Record("s1", "bash", args, "a")
	c.Record("s1", "edit", args, "b")
	c.Record("s2", "bash", args, "c")

	c.Purge("s1")

	if _, ok := c.Resolve("s1", "bash", args); ok {
		t.Fatal("purged key still resolvable")
	}
	if _, ok := c.Resolve("s1", "edit", args); ok {
		t.Fatal("purged key still resolvable")
	}
	if id, ok := c.Resolve("s2", "bash", args); !ok || id != "c" {
		t.Fatalf("unrelated session lost: %q, %v", id, ok)
	}
}

func TestCorrelationCache_Concurrent(t *testing.T) {
	c := NewCorrelationCache()
	args := mustValue(t, `{"n":1}`)

	const perWorker = 100
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				c.Record("s1", "bash", args, "id")
			}
		}()
	}
	wg.Wait()

	resolved := 0
	for {
		if _, ok := c.Resolve("s1", "bash", args); !ok {
			break
		}
		resolved++
	}
	if resolved != 4*perWorker {
		t.Fatalf("resolved %d ids, want %d", resolved, 4*perWorker)
	}
}
