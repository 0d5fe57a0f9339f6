// Package hub implements the per-agent publish/subscribe bus that fans
// wire events out to every terminal attached to an agent. It assigns a
// monotonically increasing sequence number per agent, keeps a bounded
// ring buffer for reconnect replay, and evicts subscribers that fall
// persistently behind rather than let them apply backpressure to
// publishers.
package hub

import (
	"log/slog"
	"sync"
)

// defaultEvictionThreshold is the default number of consecutive dropped sends
// after which a subscriber is evicted. Overridable per Hub via New.
const defaultEvictionThreshold = 10

// defaultRingSize is the default number of events retained per agent for
// replay.
const defaultRingSize = 100

// Subscriber is a bounded FIFO queue of events owned by the caller that
// created it (typically an SSE handler). The Hub holds only a
// non-owning reference for fan-out; it never drains or closes a
// subscriber's queue except as part of eviction.
type Subscriber struct {
	ch chan Event

	// mu guards consecutiveDrops and evicted, both written only by the
	// Hub during Publish (always under the Hub's per-agent lock) and
	// read here for observability.
	mu               sync.Mutex
	consecutiveDrops int
	evicted          bool
}

// Events returns the channel to read published events from. The channel
// is closed when the subscriber is evicted; Unsubscribe only stops
// fan-out to it and leaves the channel open.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// agentBus holds per-agent pub/sub state: the sequence counter, the
// replay ring, and the live subscriber set.
type agentBus struct {
	mu      sync.Mutex
	nextSeq uint64
	ring    []Event
	ringCap int
	subs    map[*Subscriber]struct{}
}

func newAgentBus(ringCap int) *agentBus {
	return &agentBus{
		ringCap: ringCap,
		subs:    make(map[*Subscriber]struct{}),
	}
}

// Hub owns one agentBus per agent_id, created lazily on first publish or
// subscribe.
type Hub struct {
	logger *slog.Logger

	ringSize          int
	evictionThreshold int

	mu     sync.RWMutex
	agents map[string]*agentBus
}

// New constructs a Hub. ringSize and evictionThreshold are the spec
// defaults unless overridden; a zero value for either falls back to the
// built-in default.
func New(logger *slog.Logger, ringSize, evictionThreshold int) *Hub {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	if evictionThreshold <= 0 {
		evictionThreshold = defaultEvictionThreshold
	}
	return &Hub{
		logger:            logger,
		ringSize:          ringSize,
		evictionThreshold: evictionThreshold,
		agents:            make(map[string]*agentBus),
	}
}

// getOrCreate returns the agentBus for agentID, creating it under a
// double-checked lock if this is the first reference to that agent.
func (h *Hub) getOrCreate(agentID string) *agentBus {
	h.mu.RLock()
	b, ok := h.agents[agentID]
	h.mu.RUnlock()
	if ok {
		return b
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.agents[agentID]; ok {
		return b
	}
	b = newAgentBus(h.ringSize)
	h.agents[agentID] = b
	return b
}

// Subscribe creates a new bounded queue for agentID and registers it.
// Each call yields a new independent subscriber; no replay is performed
// here — call ReplaySince separately after Subscribe so a caller can
// subscribe first and replay second without missing events published in
// between.
func (h *Hub) Subscribe(agentID string, capacity int) *Subscriber {
	if capacity <= 0 {
		capacity = 100
	}
	b := h.getOrCreate(agentID)
	sub := &Subscriber{ch: make(chan Event, capacity)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	if h.logger != nil {
		h.logger.Info("subscriber attached", "agent_id", agentID)
	}
	return sub
}

// Unsubscribe removes sub from agentID's subscriber set. Safe to call
// multiple times and safe to call after eviction has already closed the
// channel.
func (h *Hub) Unsubscribe(agentID string, sub *Subscriber) {
	h.mu.RLock()
	b, ok := h.agents[agentID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	b.mu.Lock()
	_, present := b.subs[sub]
	if present {
		delete(b.subs, sub)
	}
	b.mu.Unlock()

	if present && h.logger != nil {
		h.logger.Info("subscriber detached", "agent_id", agentID)
	}
}

// Publish assigns the next sequence number for agentID, stamps it (and
// agentID, authoritatively) into a copy of event, appends it to the
// replay ring, and fans it out to every current subscriber. Sequence
// assignment and fan-out happen under the same per-agent lock so that
// wire order equals publish order and a slow/failing subscriber cannot
// reorder anything for the others.
//
// Publish never blocks on a subscriber. A full queue drops the event for
// that subscriber only and increments its consecutive-drop counter; ten
// consecutive drops (configurable) evicts the subscriber and closes its
// channel. A synthesized stream_error is enqueued before the close only
// if the queue has room for it; otherwise the close alone signals the
// eviction.
func (h *Hub) Publish(agentID string, event Event) Event {
	b := h.getOrCreate(agentID)

	b.mu.Lock()
	event.AgentID = agentID
	event.Seq = b.nextSeq
	b.nextSeq++

	b.ring = append(b.ring, event)
	if len(b.ring) > b.ringCap {
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}

	// Snapshot the subscriber set so mutations during fan-out (a
	// concurrent Unsubscribe, or an eviction we perform below) never
	// affect this publish's delivery decisions.
	snapshot := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		snapshot = append(snapshot, s)
	}

	var evicted []*Subscriber
	for _, s := range snapshot {
		select {
		case s.ch <- event:
			s.mu.Lock()
			s.consecutiveDrops = 0
			s.mu.Unlock()
		default:
			s.mu.Lock()
			s.consecutiveDrops++
			shouldEvict := s.consecutiveDrops >= h.evictionThreshold && !s.evicted
			if shouldEvict {
				s.evicted = true
			}
			s.mu.Unlock()
			if shouldEvict {
				evicted = append(evicted, s)
			}
		}
	}
	for _, s := range evicted {
		delete(b.subs, s)
	}
	b.mu.Unlock()

	for _, s := range evicted {
		select {
		case s.ch <- Event{Type: KindStreamError, AgentID: agentID, Error: "evicted: slow consumer"}:
		default:
			// Queue is still full; the owning handler will observe the
			// close below and can infer eviction from that alone.
		}
		close(s.ch)
		if h.logger != nil {
			h.logger.Warn("subscriber evicted", "agent_id", agentID)
		}
	}

	return event
}

// ReplaySince returns every event currently retained in agentID's ring
// whose Seq is greater than sinceSeq, in order. If the ring no longer
// holds events that old, it returns whatever remains; callers must treat
// that as a possible gap.
func (h *Hub) ReplaySince(agentID string, sinceSeq uint64) []Event {
	h.mu.RLock()
	b, ok := h.agents[agentID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, len(b.ring))
	for _, e := range b.ring {
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	return out
}

// TotalSubscribers returns the aggregate subscriber count across all
// agents. The idle-shutdown timer in the server uses this to avoid
// shutting down while any terminal is actively observing an agent.
func (h *Hub) TotalSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, b := range h.agents {
		b.mu.Lock()
		total += len(b.subs)
		b.mu.Unlock()
	}
	return total
}
