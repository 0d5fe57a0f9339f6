// Package turn implements per-agent turn serialization: the Turn
// Coordinator drives an agent's internal event iterator on a dedicated
// goroutine, translates each internal event into a wire event published
// through the EventHub, and returns the accumulated content to the
// RPC caller that initiated the turn.
package turn

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/agentsync/internal/confirm"
	"github.com/nugget/agentsync/internal/hub"
)

// ErrCancelled is returned to the RPC caller when a turn was cancelled,
// whether while queued or while in flight.
var ErrCancelled = errors.New("turn cancelled")

// agentState is the per-agent coordination state: the turn lock
// (a 1-buffered channel rather than sync.Mutex, so a queued acquire can
// race against the caller's context being cancelled) and the map of
// in-flight request IDs to their cancellation functions.
type agentState struct {
	turnLock chan struct{}

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func newAgentState() *agentState {
	return &agentState{
		turnLock: make(chan struct{}, 1),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Iterators supplies the AgentIterator to drive for a given agent_id.
// The sync core does not construct agent iterators itself — the LLM
// provider and tool execution are external collaborators (see package
// doc) — so the Coordinator is handed a factory rather than a single
// iterator.
type Iterators interface {
	For(agentID string) AgentIterator
}

// Coordinator serializes turns per agent, publishes the wire event
// stream for each, and honors cancellation.
type Coordinator struct {
	hub       *hub.Hub
	broker    *confirm.Broker
	iterators Iterators
	logger    *slog.Logger

	mu     sync.Mutex
	agents map[string]*agentState
}

// NewCoordinator constructs a Coordinator bound to hub, broker, and an
// Iterators factory supplying the per-agent event source.
func NewCoordinator(h *hub.Hub, broker *confirm.Broker, iterators Iterators, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		hub:       h,
		broker:    broker,
		iterators: iterators,
		logger:    logger,
		agents:    make(map[string]*agentState),
	}
}

func (c *Coordinator) stateFor(agentID string) *agentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.agents[agentID]
	if !ok {
		s = newAgentState()
		c.agents[agentID] = s
	}
	return s
}

// generateRequestID mints a fresh request_id when the caller did not
// supply one: the 8 random trailing bytes of a UUIDv7 give a 16-hex-char
// id without the verbosity of a full UUID string. Falls back to a
// millisecond-clock id if UUID generation itself fails.
func generateRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "r_" + strconv.FormatInt(time.Now().UnixMilli(), 16)
	}
	return "r_" + hex.EncodeToString(id[8:16])
}

// RunTurn executes a single turn for agentID. If requestID is empty, a
// fresh one is generated. It returns the accumulated content and the
// request_id actually used (so a caller that omitted one can observe
// what was assigned).
func (c *Coordinator) RunTurn(ctx context.Context, agentID, content, requestID string) (string, string, error) {
	if requestID == "" {
		requestID = generateRequestID()
	}

	state := c.stateFor(agentID)

	turnCtx, cancel := context.WithCancel(ctx)

	// Register before acquiring the turn lock so a Cancel arriving
	// while this request is queued behind another in-flight turn can
	// still mark it.
	state.mu.Lock()
	state.inflight[requestID] = cancel
	state.mu.Unlock()

	removeInflight := func() {
		state.mu.Lock()
		delete(state.inflight, requestID)
		state.mu.Unlock()
	}

	// Acquire the turn lock, but give a cancellation arriving while
	// queued a chance to win the race instead of blocking indefinitely
	// behind another in-flight turn.
	select {
	case state.turnLock <- struct{}{}:
	case <-turnCtx.Done():
		c.hub.Publish(agentID, hub.Event{Type: hub.KindTurnCancelled, RequestID: requestID})
		removeInflight()
		cancel()
		return "", requestID, ErrCancelled
	}
	defer func() { <-state.turnLock }()
	defer removeInflight()
	defer cancel()

	if turnCtx.Err() != nil {
		c.hub.Publish(agentID, hub.Event{Type: hub.KindTurnCancelled, RequestID: requestID})
		return "", requestID, ErrCancelled
	}

	c.hub.Publish(agentID, hub.Event{Type: hub.KindTurnStarted, RequestID: requestID})

	iterator := c.iterators.For(agentID)
	eventsCh := make(chan AgentEvent, 16)
	errCh := make(chan error, 1)
	confirmations := Confirmations{broker: c.broker, agentID: agentID, requestID: requestID}

	go func() {
		defer close(eventsCh)
		errCh <- iterator.Run(turnCtx, eventsCh, confirmations)
	}()

	var accumulated strings.Builder
	halted := false

	for ev := range eventsCh {
		c.publishInternal(agentID, requestID, ev, &accumulated, &halted)
	}

	runErr := <-errCh

	if turnCtx.Err() != nil {
		c.hub.Publish(agentID, hub.Event{Type: hub.KindTurnCancelled, RequestID: requestID})
		return "", requestID, ErrCancelled
	}

	if runErr != nil {
		// Terminal-event guarantee: any iterator failure still ends with
		// exactly one terminal event for this request_id.
		c.hub.Publish(agentID, hub.Event{Type: hub.KindTurnCancelled, RequestID: requestID})
		if c.logger != nil {
			c.logger.Error("agent iterator failed", "agent_id", agentID, "request_id", requestID, "error", runErr)
		}
		return "", requestID, fmt.Errorf("agent iterator: %w", runErr)
	}

	final := accumulated.String()
	c.hub.Publish(agentID, hub.Event{
		Type:      hub.KindTurnCompleted,
		RequestID: requestID,
		Content:   final,
		Halted:    halted,
	})

	if c.logger != nil {
		c.logger.Info("turn completed", "agent_id", agentID, "request_id", requestID, "halted", halted)
	}

	return final, requestID, nil
}

// publishInternal maps a single internal AgentEvent to its wire image
// and publishes it, accumulating content_chunk text and noting whether
// the agent signaled a tool-iteration ceiling (batch_halted).
func (c *Coordinator) publishInternal(agentID, requestID string, ev AgentEvent, accumulated *strings.Builder, halted *bool) {
	switch ev.Kind {
	case AgentContentDelta:
		accumulated.WriteString(ev.Text)
		c.hub.Publish(agentID, hub.Event{Type: hub.KindContentChunk, RequestID: requestID, Text: ev.Text})
	case AgentReasoningStart:
		c.hub.Publish(agentID, hub.Event{Type: hub.KindThinkingStarted, RequestID: requestID})
	case AgentReasoningEnd:
		c.hub.Publish(agentID, hub.Event{Type: hub.KindThinkingEnded, RequestID: requestID, DurationMS: ev.DurationMS})
	case AgentToolParsed:
		c.hub.Publish(agentID, hub.Event{Type: hub.KindToolDetected, RequestID: requestID, ToolName: ev.ToolName, ToolID: ev.ToolID})
	case AgentBatchBegin:
		tools := make([]hub.ToolDescriptor, len(ev.Tools))
		for i, t := range ev.Tools {
			tools[i] = hub.ToolDescriptor{Name: t.Name, ID: t.ID, Params: normalizeParams(t.Params)}
		}
		c.hub.Publish(agentID, hub.Event{Type: hub.KindBatchStarted, RequestID: requestID, Tools: tools})
	case AgentToolStart:
		c.hub.Publish(agentID, hub.Event{Type: hub.KindToolStarted, RequestID: requestID, ToolID: ev.ToolID})
	case AgentToolFinish:
		c.hub.Publish(agentID, hub.Event{
			Type:      hub.KindToolCompleted,
			RequestID: requestID,
			ToolID:    ev.ToolID,
			Success:   ev.Success,
			Error:     ev.Err,
			Output:    ev.Output,
		})
	case AgentBatchHalted:
		*halted = true
		c.hub.Publish(agentID, hub.Event{Type: hub.KindBatchHalted, RequestID: requestID})
	case AgentBatchDone:
		c.hub.Publish(agentID, hub.Event{Type: hub.KindBatchCompleted, RequestID: requestID})
	}
}

// normalizeParams collapses any whitespace run in params to a single
// space, for single-line rendering of a tool's parameter summary.
func normalizeParams(params string) string {
	return strings.Join(strings.Fields(params), " ")
}

// Cancel marks the in-flight request_id for agentID as cancelled, if it
// is still registered. Returns cancelled=false with a "not found"
// reason if the turn already completed or never existed — this is an
// expected race, not an error.
func (c *Coordinator) Cancel(agentID, requestID string) (cancelled bool, reason string) {
	c.mu.Lock()
	state, ok := c.agents[agentID]
	c.mu.Unlock()
	if !ok {
		return false, "not found"
	}

	state.mu.Lock()
	cancel, ok := state.inflight[requestID]
	state.mu.Unlock()
	if !ok {
		return false, "not found"
	}

	cancel()
	if c.logger != nil {
		c.logger.Info("turn cancelled", "agent_id", agentID, "request_id", requestID)
	}
	return true, ""
}
