package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mcpway/mcpway/internal/config"
	"github.com/mcpway/mcpway/internal/runtime"
	"github.com/mcpway/mcpway/internal/session"
	"github.com/mcpway/mcpway/internal/transport"
	"github.com/mcpway/mcpway/pkg/mcp"
)

// sessionIDHeader carries streamable-HTTP session identity.
const sessionIDHeader = "Mcp-Session-Id"

// sessionIDHolder publishes the session id captured from upstream response
// headers.
type sessionIDHolder struct {
	mu sync.RWMutex
	id string
}

func (h *sessionIDHolder) set(id string) {
	if id == "" {
		return
	}
	h.mu.Lock()
	h.id = id
	h.mu.Unlock()
}

func (h *sessionIDHolder) get() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.id
}

// RunStreamableHTTPToStdio bridges a remote streamable-HTTP MCP server onto
// local stdio.
func RunStreamableHTTPToStdio(ctx context.Context, cfg config.Config, store *runtime.Store, updates runtime.UpdateChannel, logger *slog.Logger) error {
	endpoint := cfg.StreamableHTTP
	logger.Info("connecting to streamable HTTP", "url", endpoint, "header_count", cfg.Headers.Len())

	pool := transport.Global()
	streamKey := transport.Fingerprint("streamable-http-sse", endpoint, cfg.Headers.Map(), cfg.ProtocolVersion)
	requestKey := transport.Fingerprint("streamable-http-request", endpoint, cfg.Headers.Map(), cfg.ProtocolVersion)

	sessionID := &sessionIDHolder{}
	registry := session.NewRegistry(0, logger)
	state := registry.GetOrCreate("streamable-http-client")
	stdout := newLineWriter(os.Stdout)

	// Server-initiated channel: a separate task keeps a GET stream open for
	// the captured session, auto-reconnecting on failure.
	go maintainServerChannel(ctx, serverChannelConfig{
		endpoint:  endpoint,
		headers:   cfg.Headers,
		store:     store,
		sessionID: sessionID,
		client:    pool.HTTPClient(streamKey, connectTimeout, 0),
		pool:      pool,
		poolKey:   streamKey,
		state:     state,
		stdout:    stdout,
		logger:    logger,
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-updates:
				if !ok {
					return
				}
				req.ReplyTo <- applyRemoteUpdate(store, req.Update, "streamable HTTP")
			}
		}
	}()

	out := &httpOutbound{
		client:        pool.HTTPClient(requestKey, connectTimeout, requestTimeout),
		pool:          pool,
		poolKey:       requestKey,
		transportName: "streamable-http",
		retry: transport.RetryPolicy{
			MaxRetries: cfg.RetryAttempts,
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
		},
		breaker: transport.NewCircuitBreaker(transport.CircuitBreakerPolicy{
			FailureThreshold: cfg.CircuitThreshold,
			Cooldown:         cfg.CircuitCooldown,
		}),
		logger: logger,
	}

	// decorate attaches the captured session id on each attempt and captures
	// a fresh one from the response via postResult handling below.
	decorate := func(req *http.Request) {
		if sid := sessionID.get(); sid != "" {
			req.Header.Set(sessionIDHeader, sid)
		}
	}

	initialized := false
	return scanEnvelopes(os.Stdin, logger, func(env *mcp.Envelope) error {
		if env.Kind() == mcp.KindNotification {
			headers := store.GetEffective("").Headers
			if err := out.postNotification(ctx, endpoint, headers, decorate, env); err != nil {
				logger.Error("failed to forward notification", "method", env.Method(), "error", err)
			}
			return nil
		}
		if !env.IsRequest() {
			return stdout.WriteEnvelope(env)
		}

		headers := store.GetEffective("").Headers

		if !initialized && !env.IsInitialize() {
			init := mcp.NewInitializeRequest(autoInitID(), cfg.ProtocolVersion, clientName, clientVersion)
			result, err := out.postRequest(ctx, "streamable-http-initialize", endpoint, headers, decorate, init)
			if err != nil {
				return stdout.WriteEnvelope(
					errorPayload(codeTransportError, fmt.Sprintf("initialize: %v", err)).wrap(env))
			}
			sessionID.set(result.header.Get(sessionIDHeader))
			if result.payload.IsError() {
				return stdout.WriteEnvelope(result.payload.wrap(env))
			}
			if err := out.postNotification(ctx, endpoint, headers, decorate, mcp.NewInitializedNotification()); err != nil {
				logger.Error("failed to send initialized notification", "error", err)
			}
			initialized = true
		}

		result, err := out.postRequest(ctx, "streamable-http-request", endpoint, headers, decorate, env)
		if err != nil {
			return stdout.WriteEnvelope(
				errorPayload(codeTransportError, fmt.Sprintf("streamable-http-request: %v", err)).wrap(env))
		}
		sessionID.set(result.header.Get(sessionIDHeader))
		response := awaitPayload(ctx, state, env, result.payload)

		if env.IsInitialize() && !initialized && responseIsSuccess(response) {
			if err := out.postNotification(ctx, endpoint, headers, decorate, mcp.NewInitializedNotification()); err != nil {
				logger.Error("failed to send initialized notification", "error", err)
			} else {
				initialized = true
			}
		}
		return stdout.WriteEnvelope(response)
	})
}

// awaitPayload turns a POST result into the response envelope, falling back
// to the pending slot when the body was empty (stream-delivered response).
func awaitPayload(ctx context.Context, state *session.State, env *mcp.Envelope, payload upstreamPayload) *mcp.Envelope {
	if !payload.IsEmpty() {
		return payload.wrap(env)
	}
	slot, err := state.RegisterPending(env.ID())
	if err != nil {
		return errorPayload(codeTransportError, "request accepted but no response channel available").wrap(env)
	}
	select {
	case outcome := <-slot:
		if outcome.Err != nil {
			return errorPayload(codeTransportError, outcome.Err.Error()).wrap(env)
		}
		return outcome.Response
	case <-time.After(requestTimeout):
		state.CancelPending(env.ID())
		return errorPayload(codeTransportError, "timed out waiting for response on server channel").wrap(env)
	case <-ctx.Done():
		state.CancelPending(env.ID())
		return errorPayload(codeTransportError, "gateway shutting down").wrap(env)
	}
}

type serverChannelConfig struct {
	endpoint  string
	headers   runtime.Headers
	store     *runtime.Store
	sessionID *sessionIDHolder
	client    *http.Client
	pool      *transport.Pool
	poolKey   string
	state     *session.State
	stdout    *lineWriter
	logger    *slog.Logger
}

// maintainServerChannel keeps the long-lived GET stream open once a session
// id is known, reconnecting with a short backoff on failure.
func maintainServerChannel(ctx context.Context, cfg serverChannelConfig) {
	for {
		if ctx.Err() != nil {
			return
		}
		sid := cfg.sessionID.get()
		if sid == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		if err := runServerChannelOnce(ctx, cfg, sid); err != nil && ctx.Err() == nil {
			cfg.logger.Error("streamable HTTP server channel error", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func runServerChannelOnce(ctx context.Context, cfg serverChannelConfig, sid string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.endpoint, nil)
	if err != nil {
		return fmt.Errorf("build GET request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	cfg.headers.Range(func(key, value string) bool {
		req.Header.Set(key, value)
		return true
	})
	cfg.store.GetEffective("").Headers.Range(func(key, value string) bool {
		req.Header.Set(key, value)
		return true
	})
	req.Header.Set(sessionIDHeader, sid)

	resp, err := cfg.client.Do(req)
	if err != nil {
		return fmt.Errorf("server channel connection failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server channel rejected with status %d", resp.StatusCode)
	}
	cfg.pool.MarkSuccess(cfg.poolKey, "streamable-http")

	return readSSEStream(resp.Body, func(event sseEvent) error {
		env, err := mcp.Decode([]byte(event.Data))
		if err != nil {
			if err != mcp.ErrEmptyLine {
				cfg.logger.Error("invalid JSON on server channel", "error", err)
			}
			return nil
		}
		if kind := env.Kind(); (kind == mcp.KindResponse || kind == mcp.KindError) &&
			cfg.state.Resolve(env.ID(), env) {
			return nil
		}
		return cfg.stdout.WriteEnvelope(env)
	})
}
