// Command agentsyncd serves the multi-client synchronization core: the
// EventHub, Turn Coordinator, SSE endpoint, and Confirmation Broker
// that let many terminals attach to the same long-lived agent process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/agentsync/internal/authcheck"
	"github.com/nugget/agentsync/internal/buildinfo"
	"github.com/nugget/agentsync/internal/confirm"
	"github.com/nugget/agentsync/internal/config"
	"github.com/nugget/agentsync/internal/hub"
	"github.com/nugget/agentsync/internal/rpc"
	"github.com/nugget/agentsync/internal/sse"
	"github.com/nugget/agentsync/internal/transcript"
	"github.com/nugget/agentsync/internal/turn"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	switch flag.Arg(0) {
	case "version":
		printVersion()
	case "serve", "":
		if err := runServe(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (want: serve, version)\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Println(buildinfo.String())
	info := buildinfo.BuildInfo()
	data, _ := json.MarshalIndent(info, "", "  ")
	fmt.Println(string(data))
}

func runServe(configPath string) error {
	path, err := config.FindConfig(configPath)
	var cfg *config.Config
	if err != nil {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	logger.Info("starting agentsyncd", "version", buildinfo.Version)

	store, err := transcript.Open("sqlite3", cfg.Sync.TranscriptDBPath)
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	defer store.Close()

	h := hub.New(logger, cfg.Sync.RingBufferSize, cfg.Sync.EvictionThreshold)
	broker := confirm.NewBroker(h, logger)
	iterators := turn.NewRegistry()
	coordinator := turn.NewCoordinator(h, broker, iterators, logger)
	recorder := transcript.NewRecorder(store, h, cfg.Sync.InternalQueueCapacity, logger)

	dispatcher := &rpc.Dispatcher{
		Turn:       recordingTurnRunner{inner: coordinator, recorder: recorder},
		Broker:     broker,
		Transcript: transcriptAdapter{store},
		Logger:     logger,
	}

	sseHandler := sse.NewHandler(h, logger, cfg.Sync.Auth.BearerToken, time.Duration(cfg.Sync.HeartbeatIntervalSec)*time.Second, cfg.Sync.SubscriberQueueCapacity)

	semaphore := make(chan struct{}, cfg.Sync.MaxConcurrentConns)

	mux := http.NewServeMux()
	mux.HandleFunc("/agent/", func(w http.ResponseWriter, r *http.Request) {
		// SSE connections are long-lived by nature and must never
		// occupy a semaphore slot meant for bounded request/response
		// traffic; the path+method match is a header-only decision
		// made before any semaphore acquisition.
		if _, ok := sse.MatchPath(r); ok {
			sseHandler.ServeHTTP(w, r)
			return
		}
		// An events stream request whose agent_id fails the grammar is
		// answered with 400 (after auth) instead of reaching the RPC path.
		if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/events") {
			if !authcheck.Bearer(r, cfg.Sync.Auth.BearerToken) {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			http.Error(w, "invalid agent_id", http.StatusBadRequest)
			return
		}

		select {
		case semaphore <- struct{}{}:
			defer func() { <-semaphore }()
		default:
			http.Error(w, "too many concurrent connections", http.StatusServiceUnavailable)
			return
		}

		handleRPC(w, r, dispatcher, cfg, logger)
	})
	mux.HandleFunc("GET /v1/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, buildinfo.RuntimeInfo(), logger)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Sync.Listen.Address, cfg.Sync.Listen.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      withLogging(mux, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams are long-lived; bounded only by the heartbeat/semaphore policy above.
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = server.Shutdown(context.Background())
	}()

	if cfg.Sync.IdleShutdownSec > 0 {
		go watchIdle(ctx, h, time.Duration(cfg.Sync.IdleShutdownSec)*time.Second, logger, func() {
			cancel()
			_ = server.Shutdown(context.Background())
		})
	}

	logger.Info("listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		if ctx.Err() == nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	return nil
}

// watchIdle polls the hub's subscriber count and triggers shutdown once
// no terminal has been attached to any agent for the full idle window.
// The check interval is a tenth of idleAfter (but at least one second),
// so shutdown fires once the full window has elapsed, late by at most
// one check interval.
func watchIdle(ctx context.Context, h *hub.Hub, idleAfter time.Duration, logger *slog.Logger, shutdown func()) {
	interval := idleAfter / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var idleSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if h.TotalSubscribers() > 0 {
				idleSince = time.Time{}
				continue
			}
			if idleSince.IsZero() {
				idleSince = now
				continue
			}
			if now.Sub(idleSince) >= idleAfter {
				logger.Info("idle shutdown", "idle_seconds", idleAfter.Seconds())
				shutdown()
				return
			}
		}
	}
}

const agentPathPrefix = "/agent/"

// handleRPC extracts the agent_id segment from the path, enforces the
// shared bearer-token check, bounds the request body to
// MaxRPCBodyBytes, and dispatches the decoded JSON-RPC request.
func handleRPC(w http.ResponseWriter, r *http.Request, dispatcher *rpc.Dispatcher, cfg *config.Config, logger *slog.Logger) {
	if !authcheck.Bearer(r, cfg.Sync.Auth.BearerToken) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	agentID := r.URL.Path[len(agentPathPrefix):]
	r.Body = http.MaxBytesReader(w, r.Body, cfg.Sync.MaxRPCBodyBytes)

	var req rpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, map[string]any{
			"jsonrpc": "2.0",
			"error":   map[string]any{"code": rpc.CodeParseError, "message": "malformed request body"},
		}, logger)
		return
	}

	resp := dispatcher.Dispatch(r.Context(), agentID, req)
	writeJSON(w, resp, logger)
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Debug("write response failed", "error", err)
	}
}

func withLogging(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// recordingTurnRunner wraps the Turn Coordinator to ensure a transcript
// Recorder is watching an agent's event stream before the first turn
// for that agent_id runs, so get_messages reflects completed turns
// without the dispatcher needing to know the transcript is populated
// out-of-band through the EventHub rather than written inline.
type recordingTurnRunner struct {
	inner    *turn.Coordinator
	recorder *transcript.Recorder
}

func (r recordingTurnRunner) RunTurn(ctx context.Context, agentID, content, requestID string) (string, string, error) {
	r.recorder.EnsureWatching(agentID)
	return r.inner.RunTurn(ctx, agentID, content, requestID)
}

func (r recordingTurnRunner) Cancel(agentID, requestID string) (bool, string) {
	return r.inner.Cancel(agentID, requestID)
}

// transcriptAdapter narrows *transcript.Store to the rpc.TranscriptReader
// interface, converting transcript.Message rows to the wire Message
// shape the dispatcher serializes.
type transcriptAdapter struct {
	store *transcript.Store
}

func (a transcriptAdapter) GetMessages(agentID string, offset, limit int) ([]rpc.Message, int, error) {
	rows, total, err := a.store.GetMessages(agentID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	messages := make([]rpc.Message, len(rows))
	for i, m := range rows {
		messages[i] = rpc.Message{
			Index:      m.Index,
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Meta:       m.Meta,
		}
	}
	return messages, total, nil
}
