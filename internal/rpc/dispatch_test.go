package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nugget/agentsync/internal/confirm"
)

type fakeTurn struct {
	runContent   string
	runRequestID string
	runErr       error
	cancelled    bool
	cancelReason string
	lastAgent    string
	lastContent  string
}

func (f *fakeTurn) RunTurn(ctx context.Context, agentID, content, requestID string) (string, string, error) {
	f.lastAgent = agentID
	f.lastContent = content
	if requestID == "" {
		requestID = "generated"
	}
	return f.runContent, requestID, f.runErr
}

func (f *fakeTurn) Cancel(agentID, requestID string) (bool, string) {
	return f.cancelled, f.cancelReason
}

type fakeBroker struct {
	accepted bool
}

func (f *fakeBroker) Submit(confirmID string, decision confirm.Decision) bool {
	return f.accepted
}

type fakeTranscript struct {
	messages []Message
	total    int
	err      error
}

func (f *fakeTranscript) GetMessages(agentID string, offset, limit int) ([]Message, int, error) {
	return f.messages, f.total, f.err
}

func newDispatcher() (*Dispatcher, *fakeTurn, *fakeBroker, *fakeTranscript) {
	turn := &fakeTurn{runContent: "hello"}
	broker := &fakeBroker{accepted: true}
	transcript := &fakeTranscript{}
	return &Dispatcher{Turn: turn, Broker: broker, Transcript: transcript}, turn, broker, transcript
}

func TestDispatchSend(t *testing.T) {
	d, turn, _, _ := newDispatcher()
	req := Request{JSONRPC: "2.0", Method: "send", Params: json.RawMessage(`{"content":"hi"}`)}

	resp := d.Dispatch(context.Background(), "alpha", req)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if turn.lastContent != "hi" {
		t.Errorf("got content %q, want %q", turn.lastContent, "hi")
	}
}

func TestDispatchSendMissingContent(t *testing.T) {
	d, _, _, _ := newDispatcher()
	req := Request{JSONRPC: "2.0", Method: "send", Params: json.RawMessage(`{}`)}

	resp := d.Dispatch(context.Background(), "alpha", req)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params error, got %v", resp.Error)
	}
}

func TestDispatchCancel(t *testing.T) {
	d, turn, _, _ := newDispatcher()
	turn.cancelled = true
	req := Request{JSONRPC: "2.0", Method: "cancel", Params: json.RawMessage(`{"request_id":"r1"}`)}

	resp := d.Dispatch(context.Background(), "alpha", req)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	if result["cancelled"] != true {
		t.Errorf("got cancelled=%v, want true", result["cancelled"])
	}
}

func TestDispatchCancelMissingRequestID(t *testing.T) {
	d, _, _, _ := newDispatcher()
	req := Request{JSONRPC: "2.0", Method: "cancel", Params: json.RawMessage(`{}`)}

	resp := d.Dispatch(context.Background(), "alpha", req)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params error, got %v", resp.Error)
	}
}

func TestDispatchConfirm(t *testing.T) {
	d, _, broker, _ := newDispatcher()
	broker.accepted = true
	req := Request{JSONRPC: "2.0", Method: "confirm", Params: json.RawMessage(`{"confirm_id":"c1","decision":"allow_once"}`)}

	resp := d.Dispatch(context.Background(), "alpha", req)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["accepted"] != true {
		t.Errorf("got accepted=%v, want true", result["accepted"])
	}
}

func TestDispatchConfirmInvalidDecision(t *testing.T) {
	d, _, _, _ := newDispatcher()
	req := Request{JSONRPC: "2.0", Method: "confirm", Params: json.RawMessage(`{"confirm_id":"c1","decision":"bogus"}`)}

	resp := d.Dispatch(context.Background(), "alpha", req)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params error, got %v", resp.Error)
	}
}

func TestDispatchGetMessages(t *testing.T) {
	d, _, _, transcript := newDispatcher()
	transcript.messages = []Message{{Index: 0, Role: "user", Content: "hi"}}
	transcript.total = 1
	req := Request{JSONRPC: "2.0", Method: "get_messages", Params: json.RawMessage(`{"offset":0,"limit":10}`)}

	resp := d.Dispatch(context.Background(), "alpha", req)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["total"] != 1 {
		t.Errorf("got total=%v, want 1", result["total"])
	}
}

func TestDispatchGetMessagesOutOfRangeLimit(t *testing.T) {
	d, _, _, _ := newDispatcher()
	req := Request{JSONRPC: "2.0", Method: "get_messages", Params: json.RawMessage(`{"offset":0,"limit":5000}`)}

	resp := d.Dispatch(context.Background(), "alpha", req)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params error, got %v", resp.Error)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	d, _, _, _ := newDispatcher()
	req := Request{JSONRPC: "2.0", Method: "bogus"}

	resp := d.Dispatch(context.Background(), "alpha", req)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected method not found error, got %v", resp.Error)
	}
}

func TestDispatchGlobalMethodOpaque(t *testing.T) {
	d, _, _, _ := newDispatcher()
	req := Request{JSONRPC: "2.0", Method: "list_agents"}

	resp := d.Dispatch(context.Background(), "alpha", req)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected method not found for opaque global method, got %v", resp.Error)
	}
}

func TestDispatchInvalidAgentID(t *testing.T) {
	d, _, _, _ := newDispatcher()
	req := Request{JSONRPC: "2.0", Method: "send", Params: json.RawMessage(`{"content":"hi"}`)}

	resp := d.Dispatch(context.Background(), "../etc/passwd", req)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params error for invalid agent_id, got %v", resp.Error)
	}
}

func TestDispatchMalformedRequest(t *testing.T) {
	d, _, _, _ := newDispatcher()
	req := Request{JSONRPC: "1.0", Method: "send"}

	resp := d.Dispatch(context.Background(), "alpha", req)
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %v", resp.Error)
	}
}

func TestValidAgentID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"alpha", true},
		{"agent-1_2", true},
		{"", false},
		{"../etc", false},
		{"has space", false},
	}
	for _, tt := range tests {
		if got := ValidAgentID(tt.id); got != tt.want {
			t.Errorf("ValidAgentID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
