// Package sse implements the long-lived streaming transport: a handler
// for GET /agent/{agent_id}/events that authenticates, subscribes to
// the EventHub, replays missed events on reconnect, heartbeats idle
// connections, and tears down cleanly on disconnect.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/nugget/agentsync/internal/authcheck"
	"github.com/nugget/agentsync/internal/hub"
)

// pathPattern recognizes GET /agent/{agent_id}/events. Matching this
// pattern is the header-only, pre-semaphore step the server uses to
// decide a request is a long-lived SSE stream before it ever reaches
// the connection-limiting semaphore.
var pathPattern = regexp.MustCompile(`^/agent/([A-Za-z0-9_-]{1,128})/events$`)

// typeSanitizer restricts the SSE `event:` field to
// alphanumerics/underscore/hyphen, preventing response-splitting via a
// hostile event type value.
var typeSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// MatchPath reports whether r is an SSE request and, if so, the
// agent_id it names. The server calls this before acquiring its
// concurrency semaphore so long-lived SSE connections never hold a
// slot meant for bounded request/response traffic.
func MatchPath(r *http.Request) (agentID string, ok bool) {
	if r.Method != http.MethodGet {
		return "", false
	}
	m := pathPattern.FindStringSubmatch(r.URL.Path)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Handler serves the SSE endpoint.
type Handler struct {
	Hub               *hub.Hub
	Logger            *slog.Logger
	BearerToken       string
	HeartbeatInterval time.Duration
	SubscriberCap     int
}

// NewHandler constructs a Handler with spec defaults for any zero-value
// field left unset.
func NewHandler(h *hub.Hub, logger *slog.Logger, bearerToken string, heartbeatInterval time.Duration, subscriberCap int) *Handler {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	if subscriberCap <= 0 {
		subscriberCap = 100
	}
	return &Handler{
		Hub:               h,
		Logger:            logger,
		BearerToken:       bearerToken,
		HeartbeatInterval: heartbeatInterval,
		SubscriberCap:     subscriberCap,
	}
}

// ServeHTTP implements the handler protocol: auth, agent_id validation,
// SSE headers, Last-Event-ID parsing, subscribe-then-replay, the live
// heartbeat loop, and guaranteed cleanup.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID, ok := MatchPath(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if !h.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sinceSeq, hasLastEventID := parseLastEventID(r.Header.Get("Last-Event-ID"))

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)

	// Subscribe first, then replay: guarantees no event published
	// between subscribe and replay is lost, at the cost of the client
	// possibly seeing a duplicate (which it must dedupe on seq).
	sub := h.Hub.Subscribe(agentID, h.SubscriberCap)
	defer h.Hub.Unsubscribe(agentID, sub)

	if h.Logger != nil {
		h.Logger.Info("sse subscriber connected", "agent_id", agentID, "since_seq", sinceSeq)
	}

	// A brand-new client (no Last-Event-ID at all) gets no replay — only
	// a reconnecting client asking to resume from a specific seq does.
	if hasLastEventID {
		for _, ev := range h.Hub.ReplaySince(agentID, sinceSeq) {
			if !h.writeEvent(w, rc, ev) {
				return
			}
			flusher.Flush()
		}
	}

	ticker := time.NewTicker(h.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				if h.Logger != nil {
					h.Logger.Warn("sse subscriber evicted", "agent_id", agentID)
				}
				return
			}
			if !h.writeEvent(w, rc, ev) {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if !h.writeHeartbeat(w, rc, agentID) {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	return authcheck.Bearer(r, h.BearerToken)
}

// writeEvent writes one domain event frame and resets the write
// deadline, mirroring the reset-after-every-write pattern used for
// streamed tokens elsewhere in this server.
func (h *Handler) writeEvent(w http.ResponseWriter, rc *http.ResponseController, ev hub.Event) bool {
	data, err := ev.MarshalJSON()
	if err != nil {
		if h.Logger != nil {
			h.Logger.Debug("sse marshal failed", "error", err)
		}
		return false
	}

	eventType := typeSanitizer.ReplaceAllString(string(ev.Type), "")
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, eventType, data)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Debug("sse write failed", "error", err)
		}
		return false
	}

	rc.SetWriteDeadline(time.Now().Add(h.HeartbeatInterval * 2))
	return true
}

// writeHeartbeat writes a ping — no seq field in its data and no id:
// line, since it is a transport-level event that must never perturb the
// per-agent sequence space replay correctness depends on.
func (h *Handler) writeHeartbeat(w http.ResponseWriter, rc *http.ResponseController, agentID string) bool {
	data, err := json.Marshal(struct {
		Type    hub.Kind `json:"type"`
		AgentID string   `json:"agent_id"`
	}{Type: hub.KindPing, AgentID: agentID})
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "event: ping\ndata: %s\n\n", data)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Debug("sse heartbeat write failed", "error", err)
		}
		return false
	}
	rc.SetWriteDeadline(time.Now().Add(h.HeartbeatInterval * 2))
	return true
}

// parseLastEventID parses the Last-Event-ID header. Anything that is
// not a non-negative integer is treated as absent (no replay), not as
// an error.
func parseLastEventID(raw string) (uint64, bool) {
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
