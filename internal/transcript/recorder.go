package transcript

import (
	"log/slog"
	"sync"

	"github.com/nugget/agentsync/internal/hub"
)

// Recorder is the in-process EventHub consumer that makes get_messages
// durable: the first time an agent_id is seen, it subscribes to that
// agent's event stream and appends each completed turn's content to the
// Store. Unlike an SSE connection's subscriber, a Recorder's queue never
// has to survive a disconnecting terminal and dropping an event here
// means losing transcript history rather than just a live view, so it
// is sized from the larger internal_queue_capacity tunable rather than
// the subscriber_queue_capacity used for SSE.
type Recorder struct {
	store         *Store
	hub           *hub.Hub
	queueCapacity int
	logger        *slog.Logger

	mu      sync.Mutex
	started map[string]bool
}

// NewRecorder constructs a Recorder bound to store and h. queueCapacity
// is typically SyncConfig.InternalQueueCapacity.
func NewRecorder(store *Store, h *hub.Hub, queueCapacity int, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:         store,
		hub:           h,
		queueCapacity: queueCapacity,
		logger:        logger,
		started:       make(map[string]bool),
	}
}

// EnsureWatching starts, at most once per agent_id, a background
// subscriber that persists that agent's turn output as it is published.
// Safe to call on every turn; subsequent calls for an already-watched
// agent_id are no-ops.
func (r *Recorder) EnsureWatching(agentID string) {
	r.mu.Lock()
	if r.started[agentID] {
		r.mu.Unlock()
		return
	}
	r.started[agentID] = true
	r.mu.Unlock()

	go r.watch(agentID)
}

func (r *Recorder) watch(agentID string) {
	sub := r.hub.Subscribe(agentID, r.queueCapacity)
	defer r.hub.Unsubscribe(agentID, sub)

	for ev := range sub.Events() {
		if ev.Type != hub.KindTurnCompleted {
			continue
		}
		if err := r.store.Append(agentID, "assistant", ev.Content, "", ""); err != nil && r.logger != nil {
			r.logger.Error("transcript append failed", "agent_id", agentID, "error", err)
		}
	}
}
