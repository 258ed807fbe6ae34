package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/mcpway/mcpway/internal/config"
	"github.com/mcpway/mcpway/internal/runtime"
	"github.com/mcpway/mcpway/internal/session"
	"github.com/mcpway/mcpway/internal/transport"
	"github.com/mcpway/mcpway/pkg/mcp"
)

// endpointHolder publishes the message-POST URL announced by the server's
// `endpoint` event.
type endpointHolder struct {
	mu  sync.RWMutex
	url *url.URL
}

func (h *endpointHolder) set(u *url.URL) {
	h.mu.Lock()
	h.url = u
	h.mu.Unlock()
}

func (h *endpointHolder) get() *url.URL {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.url
}

// wait blocks until the endpoint is known or the deadline elapses.
func (h *endpointHolder) wait(ctx context.Context, timeout time.Duration) (*url.URL, error) {
	deadline := time.Now().Add(timeout)
	for {
		if u := h.get(); u != nil {
			return u, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for SSE endpoint after %dms", timeout.Milliseconds())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// RunSSEToStdio bridges a remote SSE MCP server onto local stdio: stdin
// carries client requests, stdout carries responses and server events.
func RunSSEToStdio(ctx context.Context, cfg config.Config, store *runtime.Store, updates runtime.UpdateChannel, logger *slog.Logger) error {
	sseURL := cfg.SSE
	logger.Info("connecting to SSE", "url", sseURL, "header_count", cfg.Headers.Len())

	baseURL, err := url.Parse(sseURL)
	if err != nil {
		return fmt.Errorf("invalid SSE url: %w", err)
	}

	pool := transport.Global()
	streamKey := transport.Fingerprint("sse-events", sseURL, cfg.Headers.Map(), cfg.ProtocolVersion)
	requestKey := transport.Fingerprint("sse-request", sseURL, cfg.Headers.Map(), cfg.ProtocolVersion)

	endpoint := &endpointHolder{}
	registry := session.NewRegistry(0, logger)
	state := registry.GetOrCreate("sse-client")
	stdout := newLineWriter(os.Stdout)

	// Event-stream task: owns the single stream for this connection.
	go maintainSSEStream(ctx, sseStreamConfig{
		url:       sseURL,
		base:      baseURL,
		headers:   cfg.Headers,
		client:    pool.HTTPClient(streamKey, connectTimeout, 0),
		pool:      pool,
		poolKey:   streamKey,
		endpoint:  endpoint,
		state:     state,
		stdout:    stdout,
		logger:    logger,
		reconnect: true,
	})

	// Control-bus task: headers apply in place, env/CLI changes belong to
	// the remote operator.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-updates:
				if !ok {
					return
				}
				req.ReplyTo <- applyRemoteUpdate(store, req.Update, "SSE")
			}
		}
	}()

	out := &httpOutbound{
		client:        pool.HTTPClient(requestKey, connectTimeout, requestTimeout),
		pool:          pool,
		poolKey:       requestKey,
		transportName: "sse",
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

	initialized := false
	return scanEnvelopes(os.Stdin, logger, func(env *mcp.Envelope) error {
		if env.Kind() == mcp.KindNotification {
			if u := endpoint.get(); u != nil {
				headers := store.GetEffective("").Headers
				if err := out.postNotification(ctx, u.String(), headers, nil, env); err != nil {
					logger.Error("failed to forward notification", "method", env.Method(), "error", err)
				}
			}
			return nil
		}
		if !env.IsRequest() {
			return stdout.WriteEnvelope(env)
		}

		u, err := endpoint.wait(ctx, endpointTimeout)
		if err != nil {
			return stdout.WriteEnvelope(errorPayload(codeTransportError, err.Error()).wrap(env))
		}
		headers := store.GetEffective("").Headers

		if !initialized && !env.IsInitialize() {
			if ok := synthesizeInitialize(ctx, out, u.String(), headers, cfg.ProtocolVersion, env, stdout, logger); !ok {
				return nil
			}
			initialized = true
		}

		response := deliverSSERequest(ctx, out, u.String(), headers, state, env, logger)
		if env.IsInitialize() && !initialized && responseIsSuccess(response) {
			if err := out.postNotification(ctx, u.String(), headers, nil, mcp.NewInitializedNotification()); err != nil {
				logger.Error("failed to send initialized notification", "error", err)
			} else {
				initialized = true
			}
		}
		return stdout.WriteEnvelope(response)
	})
}

// sseStreamConfig parameterizes the shared event-stream task.
type sseStreamConfig struct {
	url       string
	base      *url.URL
	headers   runtime.Headers
	client    *http.Client
	pool      *transport.Pool
	poolKey   string
	endpoint  *endpointHolder
	state     *session.State
	stdout    *lineWriter
	logger    *slog.Logger
	reconnect bool
}

// maintainSSEStream connects the GET event stream and dispatches events:
// the endpoint event publishes the POST URL; response events resolve their
// pending slot; everything else flows to stdout.
func maintainSSEStream(ctx context.Context, cfg sseStreamConfig) {
	for {
		if err := runSSEStreamOnce(ctx, cfg); err != nil {
			cfg.logger.Error("SSE stream error", "error", err)
		}
		if !cfg.reconnect || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func runSSEStreamOnce(ctx context.Context, cfg sseStreamConfig) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.url, nil)
	if err != nil {
		return fmt.Errorf("build SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	cfg.headers.Range(func(key, value string) bool {
		req.Header.Set(key, value)
		return true
	})

	resp, err := cfg.client.Do(req)
	if err != nil {
		return fmt.Errorf("SSE connection failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("SSE connection failed with status %d", resp.StatusCode)
	}
	cfg.pool.MarkSuccess(cfg.poolKey, "sse")

	return readSSEStream(resp.Body, func(event sseEvent) error {
		if event.Name == "endpoint" {
			joined, err := cfg.base.Parse(event.Data)
			if err != nil {
				cfg.logger.Error("invalid endpoint event", "data", event.Data, "error", err)
				return nil
			}
			cfg.endpoint.set(joined)
			cfg.logger.Info("received message endpoint", "endpoint", joined.String())
			return nil
		}
		env, err := mcp.Decode([]byte(event.Data))
		if err != nil {
			if err != mcp.ErrEmptyLine {
				cfg.logger.Error("invalid JSON on SSE stream", "error", err)
			}
			return nil
		}
		// Async responses pair with their POSTed request by id.
		if kind := env.Kind(); (kind == mcp.KindResponse || kind == mcp.KindError) &&
			cfg.state.Resolve(env.ID(), env) {
			return nil
		}
		return cfg.stdout.WriteEnvelope(env)
	})
}

// synthesizeInitialize injects the implicit initialize + initialized pair.
// When the synthetic initialize fails its error is delivered as the reply to
// the triggering request and false is returned.
func synthesizeInitialize(
	ctx context.Context,
	out *httpOutbound,
	endpoint string,
	headers runtime.Headers,
	protocolVersion string,
	trigger *mcp.Envelope,
	stdout *lineWriter,
	logger *slog.Logger,
) bool {
	init := mcp.NewInitializeRequest(autoInitID(), protocolVersion, clientName, clientVersion)
	result, err := out.postRequest(ctx, "sse-initialize", endpoint, headers, nil, init)
	if err != nil {
		_ = stdout.WriteEnvelope(errorPayload(codeTransportError, fmt.Sprintf("initialize: %v", err)).wrap(trigger))
		return false
	}
	if result.payload.IsError() {
		_ = stdout.WriteEnvelope(result.payload.wrap(trigger))
		return false
	}
	if err := out.postNotification(ctx, endpoint, headers, nil, mcp.NewInitializedNotification()); err != nil {
		logger.Error("failed to send initialized notification", "error", err)
	}
	return true
}

// deliverSSERequest POSTs one request and returns its response envelope,
// accepting either the POST body or an async stream event as the source.
func deliverSSERequest(
	ctx context.Context,
	out *httpOutbound,
	endpoint string,
	headers runtime.Headers,
	state *session.State,
	env *mcp.Envelope,
	logger *slog.Logger,
) *mcp.Envelope {
	slot, slotErr := state.RegisterPending(env.ID())
	if slotErr != nil {
		logger.Warn("request id already in flight", "id", string(env.ID()))
	}

	result, err := out.postRequest(ctx, "sse-request", endpoint, headers, nil, env)
	if err != nil {
		if slotErr == nil {
			state.CancelPending(env.ID())
		}
		return errorPayload(codeTransportError, fmt.Sprintf("sse-request: %v", err)).wrap(env)
	}

	if !result.payload.IsEmpty() {
		if slotErr == nil {
			state.CancelPending(env.ID())
		}
		return result.payload.wrap(env)
	}

	// Accepted without a body: await the stream-delivered response.
	if slotErr != nil {
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
		return errorPayload(codeTransportError, "timed out waiting for response on SSE stream").wrap(env)
	case <-ctx.Done():
		state.CancelPending(env.ID())
		return errorPayload(codeTransportError, "gateway shutting down").wrap(env)
	}
}

// responseIsSuccess reports whether the envelope is a non-error response.
func responseIsSuccess(env *mcp.Envelope) bool {
	return env != nil && env.Kind() == mcp.KindResponse
}

// applyRemoteUpdate handles control-bus messages for outbounds whose env and
// CLI args live on a remote operator's side.
func applyRemoteUpdate(store *runtime.Store, update runtime.Update, label string) runtime.ApplyResult {
	if !update.Scope.Global() {
		return runtime.ApplyError(
			fmt.Sprintf("per-session runtime overrides are not supported for %s outbound", label))
	}
	outcome := store.UpdateGlobal(update.Update)
	if outcome.RestartNeeded {
		return runtime.ApplyOK("updated runtime args; env/CLI changes require restart of remote server", false)
	}
	if outcome.HeadersChanged {
		return runtime.ApplyOK("updated runtime headers", false)
	}
	return runtime.ApplyOK("no runtime changes applied", false)
}
