package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mcpway/mcpway/internal/child"
	"github.com/mcpway/mcpway/internal/config"
	"github.com/mcpway/mcpway/internal/runtime"
	"github.com/mcpway/mcpway/internal/session"
	"github.com/mcpway/mcpway/pkg/mcp"
)

const maxInboundBody = 10 * 1024 * 1024

// sseConnections tracks the live event streams by session id.
type sseConnections struct {
	mu    sync.Mutex
	conns map[string]chan *mcp.Envelope
}

func newSSEConnections() *sseConnections {
	return &sseConnections{conns: make(map[string]chan *mcp.Envelope)}
}

func (c *sseConnections) add(sessionID string) chan *mcp.Envelope {
	ch := make(chan *mcp.Envelope, subscriberQueue)
	c.mu.Lock()
	c.conns[sessionID] = ch
	c.mu.Unlock()
	return ch
}

func (c *sseConnections) remove(sessionID string) {
	c.mu.Lock()
	if ch, ok := c.conns[sessionID]; ok {
		delete(c.conns, sessionID)
		close(ch)
	}
	c.mu.Unlock()
}

// deliver routes an envelope to one session, or fans it out to every stream
// when sessionID is empty. Full queues drop (the child must not stall).
func (c *sseConnections) deliver(sessionID string, env *mcp.Envelope, logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	push := func(id string, ch chan *mcp.Envelope) {
		select {
		case ch <- env:
		default:
			logger.Warn("SSE client lagging, dropping message", "session_id", id)
		}
	}
	if sessionID != "" {
		if ch, ok := c.conns[sessionID]; ok {
			push(sessionID, ch)
		}
		return
	}
	for id, ch := range c.conns {
		push(id, ch)
	}
}

const subscriberQueue = 256

// RunStdioToSSE exposes a stdio child as an SSE server: the event stream
// announces a per-session message-POST endpoint, POSTed requests flow to the
// child, and the child's output is routed back onto the originating stream.
func RunStdioToSSE(ctx context.Context, cfg config.Config, store *runtime.Store, updates runtime.UpdateChannel, logger *slog.Logger) error {
	spec, err := child.ParseCommandSpec(cfg.Stdio)
	if err != nil {
		return fmt.Errorf("invalid stdio command: %w", err)
	}
	supervisor := child.NewSupervisor(spec, true, logger)
	if err := supervisor.Spawn(store.GetEffective("")); err != nil {
		return err
	}
	defer supervisor.Shutdown()

	registry := session.NewRegistry(cfg.SessionTimeout, logger)
	registry.StartSweeper(ctx)
	defer registry.Stop()

	conns := newSSEConnections()
	router := newChildRouter()

	go handleChildUpdates(ctx, store, updates, supervisor, logger)

	// Child output pump: anything answering a known request id goes to its
	// originating stream; the rest is broadcast.
	childOut, cancelSub := supervisor.Subscribe()
	defer cancelSub()
	go func() {
		for env := range childOut {
			target, ok := router.route(env.ID())
			if !ok {
				conns.deliver("", env, logger)
				continue
			}
			conns.deliver(target, env, logger)
		}
	}()

	mux := http.NewServeMux()
	registerHealthEndpoints(mux, cfg.HealthEndpoints, supervisor.IsAlive)

	mux.HandleFunc("GET "+cfg.SSEPath, func(w http.ResponseWriter, r *http.Request) {
		sessionID := uuid.NewString()
		registry.GetOrCreate(sessionID)
		stream := conns.add(sessionID)
		defer func() {
			conns.remove(sessionID)
			router.forget(sessionID)
			registry.Drop(sessionID)
		}()

		sink, err := newSSESink(w)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := sink.sendEvent("endpoint", messageEndpointURL(cfg, sessionID)); err != nil {
			return
		}
		logger.Info("SSE client connected", "session_id", sessionID)

		for {
			select {
			case <-r.Context().Done():
				logger.Info("SSE client disconnected", "session_id", sessionID)
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				if err := sink.sendData(string(env.Raw())); err != nil {
					return
				}
			}
		}
	})

	mux.HandleFunc("POST "+cfg.MessagePath, func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("sessionId")
		if sessionID != "" {
			if _, err := registry.Get(sessionID); err != nil {
				http.Error(w, "unknown sessionId", http.StatusBadRequest)
				return
			}
			registry.Touch(sessionID)
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		env, err := mcp.Decode(body)
		if err != nil {
			http.Error(w, "invalid JSON-RPC message", http.StatusBadRequest)
			return
		}

		if env.IsRequest() && sessionID != "" {
			router.expect(env.ID(), sessionID)
		}
		if err := supervisor.Send(env); err != nil {
			http.Error(w, "child process unavailable", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Accepted"))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: corsMiddleware(cfg.CORS, mux),
	}
	logger.Info("serving SSE gateway",
		"port", cfg.Port,
		"sse_path", cfg.SSEPath,
		"message_path", cfg.MessagePath,
		"stdio", spec.String(),
	)
	return serveHTTP(ctx, srv, logger)
}

// messageEndpointURL renders the endpoint-event payload: absolute when a
// public base URL is configured, site-relative otherwise.
func messageEndpointURL(cfg config.Config, sessionID string) string {
	path := fmt.Sprintf("%s?sessionId=%s", cfg.MessagePath, sessionID)
	if cfg.BaseURL != "" {
		return strings.TrimSuffix(cfg.BaseURL, "/") + path
	}
	return path
}

// handleChildUpdates applies control-bus messages for child-backed
// gateways: env/CLI changes respawn the child, header-only changes apply in
// place.
func handleChildUpdates(ctx context.Context, store *runtime.Store, updates runtime.UpdateChannel, supervisor *child.Supervisor, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-updates:
			if !ok {
				return
			}
			if !req.Update.Scope.Global() {
				req.ReplyTo <- runtime.ApplyError("per-session runtime overrides are not supported for stdio outbound")
				continue
			}
			outcome := store.UpdateGlobal(req.Update.Update)
			switch {
			case outcome.RestartNeeded:
				if err := supervisor.Restart(store.GetEffective("")); err != nil {
					logger.Error("child restart failed", "error", err)
					req.ReplyTo <- runtime.ApplyError("failed to restart child")
					continue
				}
				req.ReplyTo <- runtime.ApplyResult{
					OK: true, Message: "restarted child with new runtime args",
					RestartNeeded: true, HeadersChanged: outcome.HeadersChanged,
				}
			case outcome.HeadersChanged:
				req.ReplyTo <- runtime.ApplyResult{OK: true, Message: "updated runtime headers", HeadersChanged: true}
			default:
				req.ReplyTo <- runtime.ApplyOK("no runtime changes applied", false)
			}
		}
	}
}
