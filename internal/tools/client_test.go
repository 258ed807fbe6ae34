package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// mcpStub is a minimal streamable-HTTP MCP server for client tests.
type mcpStub struct {
	mu       sync.Mutex
	requests []json.RawMessage
	tools    []map[string]any
	calls    []json.RawMessage
}

func (s *mcpStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var envelope struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		body := json.RawMessage{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		_ = json.Unmarshal(body, &envelope)

		s.mu.Lock()
		s.requests = append(s.requests, body)
		if envelope.Method == "tools/call" {
			s.calls = append(s.calls, envelope.Params)
		}
		s.mu.Unlock()

		w.Header().Set("Mcp-Session-Id", "stub-session")
		if envelope.Method == "notifications/initialized" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		var result any
		switch envelope.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": "2024-11-05", "capabilities": map[string]any{}}
		case "tools/list":
			result = map[string]any{"tools": s.tools}
		case "tools/call":
			result = map[string]any{"content": []any{map[string]any{"type": "text", "text": "done"}}}
		default:
			result = map[string]any{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      json.RawMessage(envelope.ID),
			"result":  result,
		})
	}
}

func newStubClient(t *testing.T, stub *mcpStub) *Client {
	t.Helper()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	client, err := NewClient(TransportStreamableHTTP, Options{
		Endpoint:       server.URL,
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func weatherTool() map[string]any {
	return map[string]any{
		"name":        "weather-report",
		"description": "Weather lookup",
		"inputSchema": map[string]any{
			"type":     "object",
			"required": []any{"city"},
			"properties": map[string]any{
				"city":  map[string]any{"type": "string"},
				"units": map[string]any{"type": "string", "default": "metric"},
			},
		},
	}
}

func TestClientRefreshAndCall(t *testing.T) {
	stub := &mcpStub{tools: []map[string]any{weatherTool()}}
	client := newStubClient(t, stub)
	ctx := context.Background()

	handle, err := client.Tools().ByName(ctx, "weather-report")
	if err != nil {
		t.Fatalf("ByName() error = %v", err)
	}

	response, err := handle.Call(ctx, map[string]any{"city": "Paris"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	var parsed struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(response, &parsed); err != nil || parsed.Result == nil {
		t.Fatalf("raw response = %s", response)
	}

	// The default must have been injected into the outgoing arguments.
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.calls) != 1 {
		t.Fatalf("calls = %d", len(stub.calls))
	}
	var call struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(stub.calls[0], &call); err != nil {
		t.Fatalf("unmarshal call params: %v", err)
	}
	if call.Arguments["units"] != "metric" {
		t.Errorf("arguments = %v, want schema default injected", call.Arguments)
	}

	// The handshake must precede the first request.
	var first struct {
		Method string `json:"method"`
	}
	_ = json.Unmarshal(stub.requests[0], &first)
	if first.Method != "initialize" {
		t.Errorf("first request method = %q, want initialize", first.Method)
	}
}

func TestClientMissingRequiredArgument(t *testing.T) {
	stub := &mcpStub{tools: []map[string]any{weatherTool()}}
	client := newStubClient(t, stub)

	_, err := client.CallByName(context.Background(), "weather-report", map[string]any{})
	var missing *MissingRequiredError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want MissingRequiredError", err)
	}
	if missing.Key != "city" || missing.Path != "$" {
		t.Errorf("missing = %+v", missing)
	}
}

func TestClientToolNotFoundAfterOneRefresh(t *testing.T) {
	stub := &mcpStub{tools: []map[string]any{weatherTool()}}
	client := newStubClient(t, stub)

	_, err := client.Tools().ByName(context.Background(), "no-such-tool")
	var notFound *ToolNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want ToolNotFoundError", err)
	}
}

func TestClientRejectsNonObjectArguments(t *testing.T) {
	stub := &mcpStub{tools: []map[string]any{weatherTool()}}
	client := newStubClient(t, stub)

	_, err := client.CallByName(context.Background(), "weather-report", json.RawMessage(`["not","an","object"]`))
	var invalid *InvalidArgumentsError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want InvalidArgumentsError", err)
	}
}

func TestClientSurfacesHTTPStatusAsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(TransportStreamableHTTP, Options{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	refreshErr := client.RefreshTools(context.Background())

	var transportErr *TransportError
	if !errors.As(refreshErr, &transportErr) {
		t.Fatalf("error = %v, want TransportError", refreshErr)
	}
	if transportErr.Status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502 embedded", transportErr.Status)
	}
}

func TestClientAuthorizationRequired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no token", http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(TransportStreamableHTTP, Options{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	refreshErr := client.RefreshTools(context.Background())

	var authErr *AuthorizationRequiredError
	if !errors.As(refreshErr, &authErr) {
		t.Fatalf("error = %v, want AuthorizationRequiredError", refreshErr)
	}
	if authErr.Status != http.StatusUnauthorized {
		t.Errorf("status = %d", authErr.Status)
	}
}

func TestNewClientRejectsEmptyEndpoint(t *testing.T) {
	_, err := NewClient(TransportStreamableHTTP, Options{})
	var invalid *InvalidEndpointError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want InvalidEndpointError", err)
	}
}
