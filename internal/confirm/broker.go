// Package confirm implements the cross-terminal approval primitive: a
// turn blocks on a pending confirmation until any authorized client
// submits a decision, with the request and its resolution broadcast
// through the EventHub so every attached terminal observes the same
// state.
package confirm

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/agentsync/internal/hub"
)

// Decision is the closed vocabulary of confirmation outcomes. The
// Broker is transport only — it never interprets a decision
// semantically, it only guarantees exactly one value from this set is
// returned per request.
type Decision string

const (
	DecisionAllowOnce    Decision = "allow_once"
	DecisionAllowFile    Decision = "allow_file"
	DecisionAllowDir     Decision = "allow_dir"
	DecisionAllowExecCWD Decision = "allow_exec_cwd"
	DecisionDeny         Decision = "deny"
	DecisionTimeoutDeny  Decision = "timeout_deny"
)

// Option sets tailored per tool family, per the confirmation contract.
var (
	OptionsWriteFamily   = []string{string(DecisionAllowOnce), string(DecisionAllowFile), string(DecisionAllowDir), string(DecisionDeny)}
	OptionsExecCWD       = []string{string(DecisionAllowOnce), string(DecisionAllowExecCWD), string(DecisionDeny)}
	OptionsExecArbitrary = []string{string(DecisionAllowOnce), string(DecisionDeny)}
)

// OptionsFor returns the option set offered to terminals for toolName,
// selected by the same tool-naming convention tool implementations
// follow: a mutating tool (write/edit/delete) gets the write family, a
// command scoped to the agent's working directory gets the narrower
// exec-cwd family, and anything else — most restrictively, an
// arbitrary shell exec — gets allow_once/deny only.
func OptionsFor(toolName string) []string {
	switch {
	case strings.HasSuffix(toolName, "_write") || strings.HasSuffix(toolName, "_edit") || strings.HasSuffix(toolName, "_delete"):
		return OptionsWriteFamily
	case strings.HasSuffix(toolName, "_exec_cwd"):
		return OptionsExecCWD
	default:
		return OptionsExecArbitrary
	}
}

type pendingConfirmation struct {
	agentID   string
	requestID string
	toolName  string
	done      chan struct{}
	decision  Decision
}

// Broker owns the map of pending confirmation requests, keyed by opaque
// confirm_id, and the EventHub it broadcasts request/resolution events
// through.
type Broker struct {
	hub    *hub.Hub
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingConfirmation
}

// NewBroker constructs a Broker bound to the given Hub.
func NewBroker(h *hub.Hub, logger *slog.Logger) *Broker {
	return &Broker{
		hub:     h,
		logger:  logger,
		pending: make(map[string]*pendingConfirmation),
	}
}

// Request pauses until a decision is submitted for a freshly minted
// confirm_id, or until timeout elapses. It publishes
// confirmation_requested immediately and confirmation_resolved exactly
// once, regardless of whether resolution came from Submit or from
// timeout.
func (b *Broker) Request(ctx context.Context, agentID, requestID, toolName string, options []string, timeout time.Duration) (Decision, error) {
	confirmID := uuid.NewString()
	pc := &pendingConfirmation{
		agentID:   agentID,
		requestID: requestID,
		toolName:  toolName,
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.pending[confirmID] = pc
	b.mu.Unlock()

	b.hub.Publish(agentID, hub.Event{
		Type:      hub.KindConfirmationRequested,
		RequestID: requestID,
		ConfirmID: confirmID,
		Tool:      toolName,
		Options:   options,
		TimeoutS:  int(timeout.Seconds()),
	})

	if b.logger != nil {
		b.logger.Info("confirmation requested", "agent_id", agentID, "confirm_id", confirmID, "tool", toolName)
	}

	// decision is what Request returns to its caller; resolvedAs is what
	// gets published as confirmation_resolved. On a genuine timeout these
	// differ: the wire event reports "timeout_deny" (so terminals can
	// tell a timeout from an explicit deny) but the caller — which only
	// needs to know whether to proceed — gets the plain "deny" it is
	// listed among the valid decisions for (§4.4 step 4).
	var decision, resolvedAs Decision
	select {
	case <-pc.done:
		decision = pc.decision
		resolvedAs = pc.decision
	case <-time.After(timeout):
		b.mu.Lock()
		if _, ok := b.pending[confirmID]; ok {
			delete(b.pending, confirmID)
			decision = DecisionDeny
			resolvedAs = DecisionTimeoutDeny
		} else {
			// Raced with a concurrent Submit that has already taken the
			// entry; wait until it has stored its decision (Submit does
			// not take b.mu again), then trust it instead of overriding it.
			<-pc.done
			decision = pc.decision
			resolvedAs = pc.decision
		}
		b.mu.Unlock()
		if b.logger != nil && resolvedAs == DecisionTimeoutDeny {
			b.logger.Warn("confirmation timed out", "agent_id", agentID, "confirm_id", confirmID)
		}
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, confirmID)
		b.mu.Unlock()
		return "", ctx.Err()
	}

	b.hub.Publish(agentID, hub.Event{
		Type:       hub.KindConfirmationResolved,
		RequestID:  requestID,
		ConfirmID:  confirmID,
		Decision:   string(resolvedAs),
		ResolvedAt: time.Now().UTC().Format(time.RFC3339),
	})

	return decision, nil
}

// Submit atomically resolves confirmID if it is still pending. The
// first caller wins: it removes the entry and wakes the waiter;
// subsequent callers for the same confirmID get accepted=false with no
// side effects.
func (b *Broker) Submit(confirmID string, decision Decision) (accepted bool) {
	b.mu.Lock()
	pc, ok := b.pending[confirmID]
	if ok {
		delete(b.pending, confirmID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}

	pc.decision = decision
	close(pc.done)
	return true
}
