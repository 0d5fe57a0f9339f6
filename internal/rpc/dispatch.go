package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/nugget/agentsync/internal/confirm"
)

// agentIDPattern is the agent-ID grammar enforced everywhere an
// agent_id is accepted from a request: alphanumerics, underscore,
// hyphen, 1-128 characters. No path traversal, no empty string.
var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidAgentID reports whether id satisfies the agent-ID grammar.
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// TurnRunner is the subset of the Turn Coordinator the dispatcher calls.
type TurnRunner interface {
	RunTurn(ctx context.Context, agentID, content, requestID string) (content string, requestID2 string, err error)
	Cancel(agentID, requestID string) (cancelled bool, reason string)
}

// Confirmer is the subset of the Confirmation Broker the dispatcher
// calls. Request is invoked by tool execution inside a turn, not by the
// dispatcher; only Submit is reachable from the wire.
type Confirmer interface {
	Submit(confirmID string, decision confirm.Decision) bool
}

// Message mirrors the transcript store's row shape, duplicated here
// (rather than imported) to keep the wire contract decoupled from the
// storage layer's internal representation.
type Message struct {
	Index      int    `json:"index"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Meta       string `json:"meta,omitempty"`
}

// TranscriptReader is the subset of the transcript store the dispatcher
// calls.
type TranscriptReader interface {
	GetMessages(agentID string, offset, limit int) (messages []Message, total int, err error)
}

// Dispatcher routes agent-scoped JSON-RPC calls to their owning
// component and the handful of global methods the sync core only
// needs to acknowledge exist (create_agent, list_agents, and the
// session-persistence family are opaque to this core; see the method
// table below).
type Dispatcher struct {
	Turn       TurnRunner
	Broker     Confirmer
	Transcript TranscriptReader
	Logger     *slog.Logger
}

var globalOnlyMethods = map[string]bool{
	"create_agent":    true,
	"destroy_agent":   true,
	"list_agents":     true,
	"shutdown_server": true,
	"list_sessions":   true,
	"save_session":    true,
	"load_session":    true,
	"clone_session":   true,
	"rename_session":  true,
	"delete_session":  true,
}

// Dispatch routes a single JSON-RPC request scoped to agentID. Methods
// outside the four this core owns (send, cancel, confirm,
// get_messages) are either known global methods that this core does not
// implement (answered with method-not-found and a message saying they
// are opaque to the synchronization core) or unknown, which is a plain
// method-not-found error. An agent_id that fails the grammar is an
// invalid-params error.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID string, req Request) Response {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "missing or malformed jsonrpc/method")
	}

	if globalOnlyMethods[req.Method] {
		return errorResponse(req.ID, CodeMethodNotFound, "method is opaque to the synchronization core")
	}

	if !ValidAgentID(agentID) {
		return errorResponse(req.ID, CodeInvalidParams, "invalid agent_id")
	}

	switch req.Method {
	case "send":
		return d.dispatchSend(ctx, agentID, req)
	case "cancel":
		return d.dispatchCancel(agentID, req)
	case "confirm":
		return d.dispatchConfirm(agentID, req)
	case "get_messages":
		return d.dispatchGetMessages(agentID, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

type sendParams struct {
	Content   string `json:"content"`
	RequestID string `json:"request_id,omitempty"`
}

func (d *Dispatcher) dispatchSend(ctx context.Context, agentID string, req Request) Response {
	var p sendParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "malformed send params")
		}
	}
	if p.Content == "" {
		return errorResponse(req.ID, CodeInvalidParams, "content is required")
	}

	content, requestID, err := d.Turn.RunTurn(ctx, agentID, p.Content, p.RequestID)
	if err != nil {
		if d.Logger != nil {
			d.Logger.Error("send failed", "agent_id", agentID, "request_id", requestID, "error", err)
		}
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}

	return resultResponse(req.ID, map[string]any{
		"content":    content,
		"request_id": requestID,
	})
}

type cancelParams struct {
	RequestID string `json:"request_id"`
}

func (d *Dispatcher) dispatchCancel(agentID string, req Request) Response {
	var p cancelParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "malformed cancel params")
		}
	}
	if p.RequestID == "" {
		return errorResponse(req.ID, CodeInvalidParams, "request_id is required")
	}

	cancelled, reason := d.Turn.Cancel(agentID, p.RequestID)
	result := map[string]any{"cancelled": cancelled, "request_id": p.RequestID}
	if reason != "" {
		result["reason"] = reason
	}
	return resultResponse(req.ID, result)
}

type confirmParams struct {
	ConfirmID string `json:"confirm_id"`
	Decision  string `json:"decision"`
}

var validDecisions = map[string]bool{
	string(confirm.DecisionAllowOnce):    true,
	string(confirm.DecisionAllowFile):    true,
	string(confirm.DecisionAllowDir):     true,
	string(confirm.DecisionAllowExecCWD): true,
	string(confirm.DecisionDeny):         true,
}

func (d *Dispatcher) dispatchConfirm(agentID string, req Request) Response {
	var p confirmParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "malformed confirm params")
		}
	}
	if p.ConfirmID == "" {
		return errorResponse(req.ID, CodeInvalidParams, "confirm_id is required")
	}
	if !validDecisions[p.Decision] {
		return errorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("unknown decision %q", p.Decision))
	}

	accepted := d.Broker.Submit(p.ConfirmID, confirm.Decision(p.Decision))
	return resultResponse(req.ID, map[string]any{"accepted": accepted})
}

type getMessagesParams struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

func (d *Dispatcher) dispatchGetMessages(agentID string, req Request) Response {
	p := getMessagesParams{Limit: 100}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "malformed get_messages params")
		}
	}
	if p.Offset < 0 || p.Limit < 1 || p.Limit > 2000 {
		return errorResponse(req.ID, CodeInvalidParams, "offset must be >= 0 and limit must be in [1, 2000]")
	}

	messages, total, err := d.Transcript.GetMessages(agentID, p.Offset, p.Limit)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}

	return resultResponse(req.ID, map[string]any{
		"agent_id": agentID,
		"total":    total,
		"offset":   p.Offset,
		"limit":    p.Limit,
		"messages": messages,
	})
}
