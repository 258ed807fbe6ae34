package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminTokenEnv supplies the default bearer token for the runtime admin
// endpoint.
const AdminTokenEnv = "MCPWAY_RUNTIME_ADMIN_TOKEN"

const adminBodyLimit = 1 << 20 // 1MB

// AdminOptions configures the runtime admin HTTP endpoint.
type AdminOptions struct {
	BearerToken  string // empty disables auth
	LoopbackOnly bool
	HealthFn     func() bool     // reported by /v1/runtime/health
	SessionsFn   func() []string // reported by /v1/runtime/sessions
}

// AdminMetrics holds the Prometheus instruments for the admin endpoint,
// plus plain counters for the JSON snapshot.
type AdminMetrics struct {
	RequestsTotal  *prometheus.CounterVec
	UpdatesTotal   prometheus.Counter
	requests       atomic.Uint64
	unauthorized   atomic.Uint64
	forbidden      atomic.Uint64
	runtimeUpdates atomic.Uint64
}

// NewAdminMetrics creates and registers the admin metrics.
func NewAdminMetrics(reg prometheus.Registerer) *AdminMetrics {
	return &AdminMetrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpway",
				Subsystem: "admin",
				Name:      "requests_total",
				Help:      "Total runtime admin API requests",
			},
			[]string{"route", "status"},
		),
		UpdatesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "mcpway",
				Subsystem: "admin",
				Name:      "runtime_updates_total",
				Help:      "Runtime update requests accepted",
			},
		),
	}
}

type adminSnapshot struct {
	RequestsTotal       uint64 `json:"requests_total"`
	UnauthorizedTotal   uint64 `json:"unauthorized_total"`
	ForbiddenTotal      uint64 `json:"forbidden_total"`
	RuntimeUpdatesTotal uint64 `json:"runtime_updates_total"`
}

// AdminServer is the loopback HTTP endpoint that feeds the runtime control
// bus with header/env/args updates.
type AdminServer struct {
	store   *Store
	updates UpdateChannel
	options AdminOptions
	metrics *AdminMetrics
	reg     *prometheus.Registry
	server  *http.Server
	logger  *slog.Logger
}

// NewAdminServer wires an AdminServer over the store and control bus.
func NewAdminServer(store *Store, updates UpdateChannel, options AdminOptions, logger *slog.Logger) *AdminServer {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	return &AdminServer{
		store:   store,
		updates: updates,
		options: options,
		metrics: NewAdminMetrics(reg),
		reg:     reg,
		logger:  logger,
	}
}

// Serve binds addr and runs until the context is cancelled.
func (a *AdminServer) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runtime/defaults", a.handleDefaults)
	mux.HandleFunc("POST /v1/runtime/session/{id}", a.handleSession)
	mux.HandleFunc("GET /v1/runtime/sessions", a.handleSessions)
	mux.HandleFunc("GET /v1/runtime/health", a.handleHealth)
	mux.HandleFunc("GET /v1/runtime/metrics", a.handleMetricsJSON)
	mux.Handle("GET /v1/runtime/metrics.prom", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg}))

	a.server = &http.Server{
		Addr:    addr,
		Handler: a.guard(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("runtime admin endpoint listening", "addr", addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// guard enforces the loopback-only and bearer-token policies and records
// request metrics.
func (a *AdminServer) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.metrics.requests.Add(1)
		route := r.URL.Path

		if a.options.LoopbackOnly && !requestFromLoopback(r) {
			a.metrics.forbidden.Add(1)
			a.metrics.RequestsTotal.WithLabelValues(route, "403").Inc()
			writeJSONError(w, http.StatusForbidden, "runtime admin endpoint is loopback-only")
			return
		}
		if a.options.BearerToken != "" && !bearerMatches(r.Header, a.options.BearerToken) {
			a.metrics.unauthorized.Add(1)
			a.metrics.RequestsTotal.WithLabelValues(route, "401").Inc()
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid admin token")
			return
		}

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		a.metrics.RequestsTotal.WithLabelValues(route, recorder.statusLabel()).Inc()
	})
}

func (a *AdminServer) handleDefaults(w http.ResponseWriter, r *http.Request) {
	a.applyUpdate(w, r, Scope{})
}

func (a *AdminServer) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "session id is required")
		return
	}
	a.applyUpdate(w, r, Scope{SessionID: id})
}

func (a *AdminServer) applyUpdate(w http.ResponseWriter, r *http.Request, scope Scope) {
	body, err := io.ReadAll(io.LimitReader(r.Body, adminBodyLimit))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	update, err := DecodeUpdatePayload(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := a.updates.Dispatch(r.Context(), Update{Scope: scope, Update: update})
	if result.OK {
		a.metrics.runtimeUpdates.Add(1)
		a.metrics.UpdatesTotal.Inc()
	}

	status := http.StatusOK
	if !result.OK {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (a *AdminServer) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := a.store.SessionIDs()
	if a.options.SessionsFn != nil {
		sessions = a.options.SessionsFn()
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	healthy := true
	if a.options.HealthFn != nil {
		healthy = a.options.HealthFn()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": healthy})
}

func (a *AdminServer) handleMetricsJSON(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, adminSnapshot{
		RequestsTotal:       a.metrics.requests.Load(),
		UnauthorizedTotal:   a.metrics.unauthorized.Load(),
		ForbiddenTotal:      a.metrics.forbidden.Load(),
		RuntimeUpdatesTotal: a.metrics.runtimeUpdates.Load(),
	})
}

func requestFromLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func bearerMatches(headers http.Header, expected string) bool {
	raw := headers.Get("Authorization")
	token, ok := strings.CutPrefix(raw, "Bearer ")
	return ok && strings.TrimSpace(token) == expected
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": "error", "message": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) statusLabel() string {
	switch {
	case r.status >= 500:
		return "5xx"
	case r.status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// Flush lets the recorder pass through streaming responses.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
