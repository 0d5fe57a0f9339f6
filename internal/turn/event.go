package turn

import (
	"context"
	"time"

	"github.com/nugget/agentsync/internal/confirm"
)

// AgentKind enumerates the internal event vocabulary produced by an
// agent's event iterator, before translation to the wire Kind an
// observer sees. The mapping from AgentKind to a wire event is total:
// every AgentKind below has a wire image (see coordinator.go's
// publishInternal), none are silently dropped.
type AgentKind string

const (
	AgentContentDelta    AgentKind = "content_delta"
	AgentReasoningStart  AgentKind = "reasoning_start"
	AgentReasoningEnd    AgentKind = "reasoning_end"
	AgentToolParsed      AgentKind = "tool_parsed"
	AgentBatchBegin      AgentKind = "batch_begin"
	AgentToolStart       AgentKind = "tool_start"
	AgentToolFinish      AgentKind = "tool_finish"
	AgentBatchHalted     AgentKind = "batch_halted"
	AgentBatchDone       AgentKind = "batch_done"
)

// AgentTool is the per-tool descriptor an iterator attaches to a
// batch-begin event.
type AgentTool struct {
	Name   string
	ID     string
	Params string
}

// AgentEvent is a single item produced by an agent's internal event
// iterator during a turn.
type AgentEvent struct {
	Kind AgentKind

	// content_delta
	Text string

	// reasoning_end
	DurationMS int64

	// tool_parsed / tool_start / tool_finish
	ToolName string
	ToolID   string
	Success  bool
	Err      string
	Output   string

	// batch_begin
	Tools []AgentTool
}

// Confirmations is the handle an AgentIterator uses to pause a turn on
// human-in-the-loop approval for a tool call. It is bound to the
// agent_id and request_id of the turn driving the iterator, so an
// iterator implementation never threads those through itself — it only
// names the tool it wants approval for. Request publishes
// confirmation_requested/confirmation_resolved through the EventHub
// exactly as the Confirmation Broker defines (spec §4.4); the option
// set offered to terminals is chosen by tool family via
// confirm.OptionsFor.
type Confirmations struct {
	broker    *confirm.Broker
	agentID   string
	requestID string
}

// Request blocks until a decision is submitted for toolName or timeout
// elapses. A cancelled ctx (the turn's own context, including a
// cancelled-while-in-flight turn) unblocks Request with an error rather
// than a decision.
func (c Confirmations) Request(ctx context.Context, toolName string, timeout time.Duration) (confirm.Decision, error) {
	return c.broker.Request(ctx, c.agentID, c.requestID, toolName, confirm.OptionsFor(toolName), timeout)
}

// AgentIterator is the injected external collaborator that drives a
// turn's content. Implementations run on a dedicated goroutine owned by
// the Coordinator: Run must push every AgentEvent for the turn onto out
// and return when exhausted, returning a non-nil error only for a
// genuine upstream failure (not for cooperative cancellation, which the
// Coordinator detects independently via ctx). confirmations lets Run
// block on an approval mid-turn before emitting the AgentToolStart event
// for a tool that needs one.
type AgentIterator interface {
	Run(ctx context.Context, out chan<- AgentEvent, confirmations Confirmations) error
}
