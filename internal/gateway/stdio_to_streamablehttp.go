package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mcpway/mcpway/internal/child"
	"github.com/mcpway/mcpway/internal/config"
	"github.com/mcpway/mcpway/internal/runtime"
	"github.com/mcpway/mcpway/internal/session"
	"github.com/mcpway/mcpway/pkg/mcp"
)

// streamableServer is the stdio→streamable-HTTP gateway. In stateless mode
// every POST is independent and GET/DELETE are rejected; in stateful mode
// the initialize request allocates a session whose id travels in
// Mcp-Session-Id, GET opens the server-initiated event channel, and DELETE
// tears the session down.
type streamableServer struct {
	cfg        config.Config
	supervisor *child.Supervisor
	registry   *session.Registry
	conns      *sseConnections
	router     *childRouter
	logger     *slog.Logger
}

// RunStdioToStreamableHTTP exposes a stdio child on a single streamable-HTTP
// endpoint.
func RunStdioToStreamableHTTP(ctx context.Context, cfg config.Config, store *runtime.Store, updates runtime.UpdateChannel, logger *slog.Logger) error {
	spec, err := child.ParseCommandSpec(cfg.Stdio)
	if err != nil {
		return fmt.Errorf("invalid stdio command: %w", err)
	}
	supervisor := child.NewSupervisor(spec, true, logger)
	if err := supervisor.Spawn(store.GetEffective("")); err != nil {
		return err
	}
	defer supervisor.Shutdown()

	timeout := cfg.SessionTimeout
	if !cfg.Stateful {
		timeout = 0 // stateless mode disables the sweeper
	}
	registry := session.NewRegistry(timeout, logger)
	registry.StartSweeper(ctx)
	defer registry.Stop()

	server := &streamableServer{
		cfg:        cfg,
		supervisor: supervisor,
		registry:   registry,
		conns:      newSSEConnections(),
		router:     newChildRouter(),
		logger:     logger,
	}

	go handleChildUpdates(ctx, store, updates, supervisor, logger)

	childOut, cancelSub := supervisor.Subscribe()
	defer cancelSub()
	go server.pumpChild(childOut)

	mux := http.NewServeMux()
	registerHealthEndpoints(mux, cfg.HealthEndpoints, supervisor.IsAlive)
	mux.HandleFunc(cfg.StreamableHTTPPath, server.handle)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: corsMiddleware(cfg.CORS, mux),
	}
	logger.Info("serving streamable HTTP gateway",
		"port", cfg.Port,
		"path", cfg.StreamableHTTPPath,
		"stateful", cfg.Stateful,
		"stdio", spec.String(),
	)
	return serveHTTP(ctx, srv, logger)
}

// pumpChild routes child output: request-id matches resolve their pending
// slot; the rest flows to the session event channels (or is broadcast).
func (s *streamableServer) pumpChild(childOut <-chan *mcp.Envelope) {
	for env := range childOut {
		if target, ok := s.router.route(env.ID()); ok {
			if state, err := s.registry.Get(target); err == nil {
				if state.Resolve(env.ID(), env) {
					continue
				}
			}
		}
		s.conns.deliver("", env, s.logger)
	}
}

func (s *streamableServer) handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *streamableServer) handlePost(w http.ResponseWriter, r *http.Request) {
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

	var sessionID string
	if s.cfg.Stateful {
		sessionID = r.Header.Get(sessionIDHeader)
		switch {
		case sessionID == "" && env.IsInitialize():
			sessionID = strings.ReplaceAll(uuid.NewString(), "-", "")
			s.registry.GetOrCreate(sessionID)
			s.logger.Info("session created", "session_id", sessionID)
		case sessionID == "":
			http.Error(w, "missing Mcp-Session-Id header", http.StatusBadRequest)
			return
		default:
			if _, err := s.registry.Get(sessionID); err != nil {
				http.Error(w, "unknown or expired session", http.StatusBadRequest)
				return
			}
			s.registry.Touch(sessionID)
		}
		w.Header().Set(sessionIDHeader, sessionID)
	}

	// Notifications and responses flow to the child without a reply body.
	if !env.IsRequest() {
		if err := s.supervisor.Send(env); err != nil {
			http.Error(w, "child process unavailable", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	state := s.pendingStateFor(sessionID)
	slot, slotErr := state.RegisterPending(env.ID())
	if slotErr == nil {
		s.router.expect(env.ID(), state.ID)
	}
	if err := s.supervisor.Send(env); err != nil {
		if slotErr == nil {
			state.CancelPending(env.ID())
		}
		http.Error(w, "child process unavailable", http.StatusBadGateway)
		return
	}
	if slotErr != nil {
		http.Error(w, "duplicate request id in flight", http.StatusConflict)
		return
	}

	select {
	case outcome := <-slot:
		var response *mcp.Envelope
		if outcome.Err != nil {
			response = errorPayload(codeTransportError, outcome.Err.Error()).wrap(env)
		} else {
			response = outcome.Response
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(response.Raw())
		_, _ = w.Write([]byte{'\n'})
	case <-time.After(requestTimeout):
		state.CancelPending(env.ID())
		http.Error(w, "timed out waiting for child response", http.StatusGatewayTimeout)
	case <-r.Context().Done():
		state.CancelPending(env.ID())
	}
}

// pendingStateFor picks the pending-slot owner: the session in stateful
// mode, a shared anonymous session otherwise.
func (s *streamableServer) pendingStateFor(sessionID string) *session.State {
	if sessionID == "" {
		return s.registry.GetOrCreate("stateless")
	}
	return s.registry.GetOrCreate(sessionID)
}

func (s *streamableServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Stateful {
		http.Error(w, "method not allowed in stateless mode", http.StatusMethodNotAllowed)
		return
	}
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		http.Error(w, "Accept must include text/event-stream", http.StatusNotAcceptable)
		return
	}
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		http.Error(w, "missing Mcp-Session-Id header", http.StatusBadRequest)
		return
	}
	if _, err := s.registry.Get(sessionID); err != nil {
		http.Error(w, "unknown or expired session", http.StatusBadRequest)
		return
	}
	s.registry.Touch(sessionID)

	stream := s.conns.add(sessionID)
	defer s.conns.remove(sessionID)

	w.Header().Set(sessionIDHeader, sessionID)
	sink, err := newSSESink(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("server-initiated channel opened", "session_id", sessionID)

	for {
		select {
		case <-r.Context().Done():
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
}

func (s *streamableServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Stateful {
		http.Error(w, "method not allowed in stateless mode", http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		http.Error(w, "missing Mcp-Session-Id header", http.StatusBadRequest)
		return
	}
	s.conns.remove(sessionID)
	s.router.forget(sessionID)
	s.registry.Drop(sessionID)
	w.WriteHeader(http.StatusOK)
}
