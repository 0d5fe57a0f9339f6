package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nugget/agentsync/internal/hub"
)

func TestMatchPath(t *testing.T) {
	tests := []struct {
		method  string
		path    string
		wantID  string
		wantOK  bool
	}{
		{"GET", "/agent/alpha/events", "alpha", true},
		{"GET", "/agent/agent-1_2/events", "agent-1_2", true},
		{"POST", "/agent/alpha/events", "", false},
		{"GET", "/agent/alpha", "", false},
		{"GET", "/agent//events", "", false},
		{"GET", "/other/alpha/events", "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		id, ok := MatchPath(req)
		if ok != tt.wantOK || id != tt.wantID {
			t.Errorf("MatchPath(%s %s) = (%q,%v), want (%q,%v)", tt.method, tt.path, id, ok, tt.wantID, tt.wantOK)
		}
	}
}

func TestServeHTTPUnauthorized(t *testing.T) {
	h := hub.New(nil, 0, 0)
	handler := NewHandler(h, nil, "secret", 0, 0)

	req := httptest.NewRequest("GET", "/agent/alpha/events", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestServeHTTPStreamsPublishedEvents(t *testing.T) {
	h := hub.New(nil, 0, 0)
	handler := NewHandler(h, nil, "", 50*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/agent/alpha/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(rec, req)
	}()

	// Give the handler time to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	h.Publish("alpha", hub.Event{Type: hub.KindContentChunk, Text: "hi"})

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if !strings.Contains(body, "event: content_chunk") {
		t.Errorf("body missing content_chunk event: %q", body)
	}
	if !strings.Contains(body, `"text":"hi"`) {
		t.Errorf("body missing expected payload: %q", body)
	}
}

func TestServeHTTPReplaysOnReconnect(t *testing.T) {
	h := hub.New(nil, 100, 0)
	for i := 0; i < 3; i++ {
		h.Publish("alpha", hub.Event{Type: hub.KindContentChunk})
	}

	handler := NewHandler(h, nil, "", 0, 10)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/agent/alpha/events", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "0")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(rec, req)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	var ids []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	if len(ids) != 2 {
		t.Fatalf("got %d replayed ids, want 2 (seq 1 and 2): %v", len(ids), ids)
	}
	if ids[0] != "1" || ids[1] != "2" {
		t.Errorf("got ids %v, want [1 2]", ids)
	}
}

func TestServeHTTPNoReplayWithoutLastEventID(t *testing.T) {
	h := hub.New(nil, 100, 0)
	for i := 0; i < 3; i++ {
		h.Publish("alpha", hub.Event{Type: hub.KindContentChunk})
	}

	handler := NewHandler(h, nil, "", 0, 10)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/agent/alpha/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(rec, req)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	if strings.Contains(rec.Body.String(), "content_chunk") {
		t.Errorf("a brand-new client (no Last-Event-ID) should get no replay, got body %q", rec.Body.String())
	}
}

func TestServeHTTPHeartbeatHasNoSeqLine(t *testing.T) {
	h := hub.New(nil, 0, 0)
	handler := NewHandler(h, nil, "", 10*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/agent/alpha/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(rec, req)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if !strings.Contains(body, "event: ping") {
		t.Fatalf("expected at least one ping event, got %q", body)
	}

	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if line == "event: ping" {
			if i > 0 && strings.HasPrefix(lines[i-1], "id: ") {
				t.Errorf("ping event unexpectedly preceded by an id: line")
			}
		}
	}
}

func TestServeHTTPUnknownAgentIDStillMatchesGrammar(t *testing.T) {
	h := hub.New(nil, 0, 0)
	handler := NewHandler(h, nil, "", 0, 10)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/agent/unseen/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(rec, req)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want %d (lazily created agent bus)", rec.Code, http.StatusOK)
	}
}
