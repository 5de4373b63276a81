package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeEvent(t *testing.T) {
	data := []byte(`{
		"session_id": "s1",
		"cwd": "/home/me/project",
		"event": "PreToolUse",
		"status": "running_tool",
		"pid": 4242,
		"tty": "/dev/ttys001",
		"tool": "Bash",
		"tool_input": {"command": "ls", "timeout": 5},
		"tool_use_id": "toolu_01"
	}`)
	ev, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.SessionID != "s1" || ev.Kind != EventPreToolUse {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.PID != 4242 || ev.TTY != "/dev/ttys001" {
		t.Fatalf("process info lost: pid=%d tty=%q", ev.PID, ev.TTY)
	}
	cmd, ok := ev.ToolInput.Field("command")
	if !ok || cmd.StringValue() != "ls" {
		t.Fatalf("tool_input.command = %q", cmd.StringValue())
	}
	if ev.ToolUseID != "toolu_01" {
		t.Fatalf("tool_use_id = %q", ev.ToolUseID)
	}
}

func TestDecodeEvent_Malformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `{"session_id": "s1"`},
		{"empty", ``},
		{"missing session_id", `{"event": "Stop"}`},
		{"missing event", `{"session_id": "s1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tc.data))
			if !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("err = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestDecodeEvent_Conversation(t *testing.T) {
	data := []byte(`{
		"session_id": "s1",
		"event": "Stop",
		"conversation": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "hello"}
		]
	}`)
	ev, err := DecodeEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(ev.Conversation) != 2 {
		t.Fatalf("conversation length = %d", len(ev.Conversation))
	}
	if ev.Conversation[0].Role != "user" || ev.Conversation[1].Content != "hello" {
		t.Fatalf("conversation order lost: %+v", ev.Conversation)
	}
}

func TestEvent_ExpectsResponse(t *testing.T) {
	cases := []struct {
		kind, status string
		want         bool
	}{
		{EventPermissionRequest, StatusWaitingForApproval, true},
		{EventPermissionRequest, StatusProcessing, false},
		{EventPermissionRequest, "", false},
		{EventPreToolUse, StatusWaitingForApproval, false},
		{EventStop, StatusWaitingForInput, false},
	}
	for _, tc := range cases {
		ev := Event{SessionID: "s", Kind: tc.kind, Status: tc.status}
		if got := ev.ExpectsResponse(); got != tc.want {
			t.Fatalf("ExpectsResponse(%s/%s) = %v, want %v", tc.kind, tc.status, got, tc.want)
		}
	}
}

func TestEvent_ToolName(t *testing.T) {
	if got := (Event{Tool: "Bash"}).ToolName(); got != "Bash" {
		t.Fatalf("tool = %q", got)
	}
	if got := (Event{}).ToolName(); got != "unknown" {
		t.Fatalf("missing tool = %q, want unknown", got)
	}
}

func TestEncodeDecision(t *testing.T) {
	out, err := EncodeDecision(DecisionAllow, "")
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"decision":"allow"}` {
		t.Fatalf("encoded = %s", out)
	}

	out, err = EncodeDecision(DecisionDeny, "not on my watch")
	if err != nil {
		t.Fatal(err)
	}
	var resp DecisionResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Decision != DecisionDeny || resp.Reason != "not on my watch" {
		t.Fatalf("decoded = %+v", resp)
	}

	if _, err := EncodeDecision("maybe", ""); err == nil {
		t.Fatal("invalid decision should fail to encode")
	}
}
