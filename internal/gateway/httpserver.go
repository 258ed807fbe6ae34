package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mcpway/mcpway/internal/config"
)

// serveHTTP runs srv until the context is cancelled, then shuts it down
// gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// corsMiddleware applies the configured CORS policy, including preflight.
func corsMiddleware(cors config.CORSConfig, next http.Handler) http.Handler {
	if !cors.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowed := cors.AllowedOrigin(origin); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// registerHealthEndpoints mounts the configured liveness paths.
func registerHealthEndpoints(mux *http.ServeMux, endpoints []string, alive func() bool) {
	for _, path := range endpoints {
		mux.HandleFunc("GET "+path, func(w http.ResponseWriter, _ *http.Request) {
			status := http.StatusOK
			if !alive() {
				status = http.StatusServiceUnavailable
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "alive": alive()})
		})
	}
}

// childRouter maps in-flight request ids to the inbound connection that
// originated them, so shared-child output can be routed back instead of
// broadcast.
type childRouter struct {
	mu   sync.Mutex
	byID map[string]string
}

func newChildRouter() *childRouter {
	return &childRouter{byID: make(map[string]string)}
}

// expect records that the connection connID is waiting on request id.
func (r *childRouter) expect(id []byte, connID string) {
	if id == nil {
		return
	}
	r.mu.Lock()
	r.byID[string(id)] = connID
	r.mu.Unlock()
}

// route resolves (and forgets) the connection waiting on id.
func (r *childRouter) route(id []byte) (string, bool) {
	if id == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.byID[string(id)]
	if ok {
		delete(r.byID, string(id))
	}
	return connID, ok
}

// forget drops every route owned by connID (connection teardown).
func (r *childRouter) forget(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, owner := range r.byID {
		if owner == connID {
			delete(r.byID, id)
		}
	}
}
