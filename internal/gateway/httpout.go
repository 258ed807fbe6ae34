package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mcpway/mcpway/internal/runtime"
	"github.com/mcpway/mcpway/internal/transport"
	"github.com/mcpway/mcpway/pkg/mcp"
)

const maxUpstreamBody = 10 * 1024 * 1024

// httpOutbound performs the POST half of the SSE and streamable-HTTP client
// adapters, applying the retry policy and circuit breaker to every request.
type httpOutbound struct {
	client        *http.Client
	pool          *transport.Pool
	poolKey       string
	transportName string
	retry         transport.RetryPolicy
	breaker       *transport.CircuitBreaker
	logger        *slog.Logger
}

// postResult is one delivered POST: the parsed payload plus the response
// headers (session id capture needs them).
type postResult struct {
	payload upstreamPayload
	header  http.Header
}

// postRequest delivers a JSON-RPC request with retries. decorate may attach
// per-request headers (session id); it runs on every attempt.
func (o *httpOutbound) postRequest(
	ctx context.Context,
	label, url string,
	headers runtime.Headers,
	decorate func(*http.Request),
	env *mcp.Envelope,
) (postResult, error) {
	return transport.RunWithRetry(ctx, label, o.retry, o.breaker, func(ctx context.Context) (postResult, error) {
		return o.postOnce(ctx, url, headers, decorate, env)
	})
}

// postNotification delivers a notification in a single attempt: per the
// at-most-once rule, notifications are never retried.
func (o *httpOutbound) postNotification(
	ctx context.Context,
	url string,
	headers runtime.Headers,
	decorate func(*http.Request),
	env *mcp.Envelope,
) error {
	result, err := o.postOnce(ctx, url, headers, decorate, env)
	if err != nil {
		return err
	}
	if result.payload.IsError() {
		return fmt.Errorf("notification rejected by upstream")
	}
	return nil
}

func (o *httpOutbound) postOnce(
	ctx context.Context,
	url string,
	headers runtime.Headers,
	decorate func(*http.Request),
	env *mcp.Envelope,
) (postResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(env.Raw()))
	if err != nil {
		return postResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	hasAccept := false
	headers.Range(func(key, value string) bool {
		if key != "" {
			if httpEqualFold(key, "Accept") {
				hasAccept = true
			}
			req.Header.Set(key, value)
		}
		return true
	})
	if !hasAccept {
		req.Header.Set("Accept", "application/json, text/event-stream")
	}
	if decorate != nil {
		decorate(req)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return postResult{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	o.pool.MarkSuccess(o.poolKey, o.transportName)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return postResult{}, fmt.Errorf("read response: %w", err)
	}

	// Notifications legitimately come back empty (202/204); treat those as a
	// success with no payload.
	if env.Kind() == mcp.KindNotification && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return postResult{header: resp.Header}, nil
	}

	payload, err := parseUpstreamBody(resp.StatusCode, resp.Header.Get("Content-Type"), body)
	if err != nil {
		return postResult{header: resp.Header}, err
	}
	return postResult{payload: payload, header: resp.Header}, nil
}

func httpEqualFold(a, b string) bool {
	return http.CanonicalHeaderKey(a) == http.CanonicalHeaderKey(b)
}
