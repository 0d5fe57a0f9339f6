package hub

import "encoding/json"

// Kind enumerates the closed set of wire event types the Hub will carry.
type Kind string

const (
	KindPing                  Kind = "ping"
	KindTurnStarted           Kind = "turn_started"
	KindTurnCompleted         Kind = "turn_completed"
	KindTurnCancelled         Kind = "turn_cancelled"
	KindContentChunk          Kind = "content_chunk"
	KindThinkingStarted       Kind = "thinking_started"
	KindThinkingEnded         Kind = "thinking_ended"
	KindToolDetected          Kind = "tool_detected"
	KindBatchStarted          Kind = "batch_started"
	KindToolStarted           Kind = "tool_started"
	KindToolCompleted         Kind = "tool_completed"
	KindBatchHalted           Kind = "batch_halted"
	KindBatchCompleted        Kind = "batch_completed"
	KindConfirmationRequested Kind = "confirmation_requested"
	KindConfirmationResolved  Kind = "confirmation_resolved"
	KindStreamError           Kind = "stream_error"
)

// ToolDescriptor is the per-tool payload carried by batch_started.
type ToolDescriptor struct {
	Name   string `json:"name"`
	ID     string `json:"id"`
	Params string `json:"params,omitempty"`
}

// Event is the canonical wire object. Required fields are Type and AgentID;
// Seq is stamped by the Hub at publish time; everything else is optional
// and type-specific. Events are immutable once published — Publish takes
// Event by value and stamps a fresh copy.
type Event struct {
	Type    Kind   `json:"type"`
	AgentID string `json:"agent_id"`
	// Seq has no omitempty: an agent's first published event is seq 0,
	// and dropping it from the wire image there would leave
	// ReplaySince(id, 0) unable to ever replay it.
	Seq       uint64 `json:"seq"`
	RequestID string `json:"request_id,omitempty"`

	// turn_completed
	Content string `json:"content,omitempty"`
	Halted  bool   `json:"halted,omitempty"`

	// content_chunk
	Text string `json:"text,omitempty"`

	// thinking_ended
	DurationMS int64 `json:"duration_ms,omitempty"`

	// tool_detected / tool_started / tool_completed
	ToolName string `json:"name,omitempty"`
	ToolID   string `json:"tool_id,omitempty"`
	Success  bool   `json:"success,omitempty"`
	Error    string `json:"error,omitempty"`
	Output   string `json:"output,omitempty"`

	// batch_started
	Tools []ToolDescriptor `json:"tools,omitempty"`

	// confirmation_requested
	ConfirmID string   `json:"confirm_id,omitempty"`
	Tool      string   `json:"tool,omitempty"`
	Options   []string `json:"options,omitempty"`
	CWD       string   `json:"cwd,omitempty"`
	TimeoutS  int      `json:"timeout_s,omitempty"`

	// confirmation_resolved
	Decision   string `json:"decision,omitempty"`
	ResolvedAt string `json:"resolved_at,omitempty"`
}

// MarshalJSON is the single serialization function to the wire image
// mentioned in the design notes; it is defined here (rather than left to
// the default struct tags alone) so every caller serializes events the
// same way regardless of where in the stack they sit.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire Event
	return json.Marshal(wire(e))
}
