package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/islandd/internal/bus"
	"github.com/basket/islandd/internal/hookserver"
	"github.com/basket/islandd/internal/protocol"
	"github.com/basket/islandd/internal/session"
)

type harness struct {
	srv    *httptest.Server
	hook   *hookserver.Server
	bus    *bus.Bus
	trk    *session.Tracker
	socket string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New()
	socket := filepath.Join(t.TempDir(), "island.sock")
	hook := hookserver.New(hookserver.Config{
		SocketPath:   socket,
		ReadBudget:   200 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		Workers:      2,
		Bus:          b,
	})
	t.Cleanup(hook.Shutdown)
	trk := session.NewTracker(b, nil)
	gw := New(Config{Hook: hook, Tracker: trk, Bus: b})
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, hook: hook, bus: b, trk: trk, socket: socket}
}

func (h *harness) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (h *harness) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(h.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode body %q: %v", data, err)
	}
	return out
}

func mustEvent(t *testing.T, raw string) protocol.Event {
	t.Helper()
	ev, err := protocol.DecodeEvent([]byte(raw))
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

func TestGateway_Healthz(t *testing.T) {
	h := newHarness(t)

	resp, body := h.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestGateway_SessionsList(t *testing.T) {
	h := newHarness(t)
	h.trk.Apply(mustEvent(t, `{"session_id":"s1","event":"UserPromptSubmit","status":"processing","cwd":"/tmp/a"}`))
	h.trk.Apply(mustEvent(t, `{"session_id":"s2","event":"Stop","status":"waiting_for_input"}`))

	resp, body := h.get(t, "/v1/sessions")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	sessions, ok := body["sessions"].([]any)
	if !ok || len(sessions) != 2 {
		t.Fatalf("sessions = %v", body["sessions"])
	}
}

func TestGateway_PendingNotFound(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.get(t, "/v1/sessions/ghost/pending")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGateway_DecisionValidation(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.post(t, "/v1/decisions", `{"decision":"maybe","session_id":"s1"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad decision status = %d, want 400", resp.StatusCode)
	}

	resp, _ = h.post(t, "/v1/decisions", `{"decision":"allow"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing target status = %d, want 400", resp.StatusCode)
	}

	resp, _ = h.post(t, "/v1/decisions", `{"decision":"allow","session_id":"ghost"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("no pending status = %d, want 404", resp.StatusCode)
	}

	resp, err := http.Get(h.srv.URL + "/v1/decisions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET decisions status = %d, want 405", resp.StatusCode)
	}
}

func TestGateway_DecisionDeliversToParkedConnection(t *testing.T) {
	h := newHarness(t)
	if err := h.hook.StartUnix(); err != nil {
		t.Fatalf("StartUnix: %v", err)
	}
	sub := h.bus.Subscribe(bus.TopicHookEvent)
	defer h.bus.Unsubscribe(sub)

	permConn, err := net.Dial("unix", h.socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer permConn.Close()
	if _, err := permConn.Write([]byte(`{"session_id":"s1","event":"PermissionRequest","status":"waiting_for_approval","tool":"bash","tool_use_id":"id-7"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sub.Ch():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for parked event")
	}

	resp, body := h.get(t, "/v1/sessions/s1/pending")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pending status = %d", resp.StatusCode)
	}
	if body["tool_use_id"] != "id-7" || body["tool"] != "bash" {
		t.Fatalf("pending body = %v", body)
	}

	resp, body = h.post(t, "/v1/decisions", `{"decision":"deny","reason":"not now","tool_use_id":"id-7"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decision status = %d, body %v", resp.StatusCode, body)
	}

	_ = permConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := io.ReadAll(permConn)
	if err != nil {
		t.Fatalf("read decision: %v", err)
	}
	if !bytes.Equal(data, []byte(`{"decision":"deny","reason":"not now"}`)) {
		t.Fatalf("decision payload = %s", data)
	}
}

func TestGateway_HistoryDisabled(t *testing.T) {
	h := newHarness(t)

	resp, body := h.get(t, "/v1/sessions/s1/events")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
}

func TestGateway_EventStream(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the handler a moment to register its subscription.
	deadline := time.Now().Add(2 * time.Second)
	for h.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("ws handler never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.bus.Publish(bus.TopicHookDecision, bus.DecisionPayload{
		SessionID: "s1",
		ToolUseID: "id-1",
		Decision:  "allow",
		Delivered: true,
	})

	var frame struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	if frame.Topic != bus.TopicHookDecision {
		t.Fatalf("topic = %q", frame.Topic)
	}
	var payload bus.DecisionPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.SessionID != "s1" || payload.Decision != "allow" {
		t.Fatalf("payload = %+v", payload)
	}
}
