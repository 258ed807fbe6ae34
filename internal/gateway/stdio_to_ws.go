package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mcpway/mcpway/internal/child"
	"github.com/mcpway/mcpway/internal/config"
	"github.com/mcpway/mcpway/internal/runtime"
	"github.com/mcpway/mcpway/pkg/mcp"
)

// wsClients tracks connected WebSocket peers by client id.
type wsClients struct {
	mu    sync.Mutex
	conns map[string]chan *mcp.Envelope
}

func newWSClients() *wsClients {
	return &wsClients{conns: make(map[string]chan *mcp.Envelope)}
}

func (c *wsClients) add(id string) chan *mcp.Envelope {
	ch := make(chan *mcp.Envelope, subscriberQueue)
	c.mu.Lock()
	c.conns[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *wsClients) remove(id string) {
	c.mu.Lock()
	if ch, ok := c.conns[id]; ok {
		delete(c.conns, id)
		close(ch)
	}
	c.mu.Unlock()
}

func (c *wsClients) deliver(id string, env *mcp.Envelope, logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	push := func(clientID string, ch chan *mcp.Envelope) {
		select {
		case ch <- env:
		default:
			logger.Warn("WebSocket client lagging, dropping message", "client_id", clientID)
		}
	}
	if id != "" {
		if ch, ok := c.conns[id]; ok {
			push(id, ch)
		}
		return
	}
	for clientID, ch := range c.conns {
		push(clientID, ch)
	}
}

// RunStdioToWS exposes a stdio child as a WebSocket server. Each frame
// carries one JSON-RPC envelope; both text and binary frames are accepted.
func RunStdioToWS(ctx context.Context, cfg config.Config, store *runtime.Store, updates runtime.UpdateChannel, logger *slog.Logger) error {
	spec, err := child.ParseCommandSpec(cfg.Stdio)
	if err != nil {
		return fmt.Errorf("invalid stdio command: %w", err)
	}
	supervisor := child.NewSupervisor(spec, true, logger)
	if err := supervisor.Spawn(store.GetEffective("")); err != nil {
		return err
	}
	defer supervisor.Shutdown()

	clients := newWSClients()
	router := newChildRouter()

	go handleChildUpdates(ctx, store, updates, supervisor, logger)

	childOut, cancelSub := supervisor.Subscribe()
	defer cancelSub()
	go func() {
		for env := range childOut {
			if target, ok := router.route(env.ID()); ok {
				clients.deliver(target, env, logger)
				continue
			}
			clients.deliver("", env, logger)
		}
	}()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  lineScannerInitial,
		WriteBufferSize: lineScannerInitial,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || !cfg.CORS.Enabled {
				return true
			}
			return cfg.CORS.AllowedOrigin(origin) != ""
		},
	}

	mux := http.NewServeMux()
	registerHealthEndpoints(mux, cfg.HealthEndpoints, supervisor.IsAlive)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", "error", err)
			return
		}
		clientID := uuid.NewString()
		outbox := clients.add(clientID)
		logger.Info("WebSocket client connected", "client_id", clientID)

		// Writer: drains the outbox onto the socket.
		go func() {
			for env := range outbox {
				if err := conn.WriteMessage(websocket.TextMessage, env.Raw()); err != nil {
					return
				}
			}
		}()

		// Reader: frames in, child out.
		defer func() {
			clients.remove(clientID)
			router.forget(clientID)
			_ = conn.Close()
			logger.Info("WebSocket client disconnected", "client_id", clientID)
		}()
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				if closeErr, ok := err.(*websocket.CloseError); ok {
					logger.Info("WebSocket closed by peer",
						"client_id", clientID, "code", closeErr.Code, "reason", closeErr.Text)
				}
				return
			}
			if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
				continue
			}
			env, err := mcp.Decode(payload)
			if err != nil {
				if err != mcp.ErrEmptyLine {
					logger.Error("invalid JSON frame from WebSocket client", "error", err)
				}
				continue
			}
			if env.IsRequest() {
				router.expect(env.ID(), clientID)
			}
			if err := supervisor.Send(env); err != nil {
				logger.Error("failed to write to child", "error", err)
				return
			}
		}
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: corsMiddleware(cfg.CORS, mux),
	}
	logger.Info("serving WebSocket gateway", "port", cfg.Port, "stdio", spec.String())
	return serveHTTP(ctx, srv, logger)
}
