package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/mcpway/mcpway/internal/config"
)

func streamableGatewayConfig(port int, stateful bool) config.Config {
	cfg := config.Defaults()
	cfg.Stdio = "cat"
	cfg.OutputTransport = config.OutputStreamableHTTP
	cfg.Port = port
	cfg.StreamableHTTPPath = "/mcp"
	cfg.HealthEndpoints = []string{"/healthz"}
	cfg.Stateful = stateful
	if stateful {
		cfg.SessionTimeout = 200 * time.Millisecond
	}
	return cfg
}

func postJSON(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

const initializeBody = `{"jsonrpc":"2.0","id":"init-1","method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`

func TestStreamableStatelessPostEcho(t *testing.T) {
	port := freePort(t)
	startGateway(t, RunStdioToStreamableHTTP, streamableGatewayConfig(port, false))
	waitForHTTPStatus(t, gatewayBase(port)+"/healthz", http.StatusOK, 10*time.Second)

	resp := postJSON(t, gatewayBase(port)+"/mcp", initializeBody, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var echoed map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&echoed); err != nil {
		t.Fatalf("response was not JSON: %v", err)
	}
	if echoed["id"] != "init-1" || echoed["method"] != "initialize" {
		t.Errorf("echoed = %v", echoed)
	}
}

func TestStreamableStatelessRejectsGetAndDelete(t *testing.T) {
	port := freePort(t)
	startGateway(t, RunStdioToStreamableHTTP, streamableGatewayConfig(port, false))
	waitForHTTPStatus(t, gatewayBase(port)+"/healthz", http.StatusOK, 10*time.Second)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		req, err := http.NewRequest(method, gatewayBase(port)+"/mcp", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Accept", "text/event-stream")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s status = %d, want 405", method, resp.StatusCode)
		}
	}
}

func TestStreamableStatefulSessionLifecycle(t *testing.T) {
	port := freePort(t)
	startGateway(t, RunStdioToStreamableHTTP, streamableGatewayConfig(port, true))
	waitForHTTPStatus(t, gatewayBase(port)+"/healthz", http.StatusOK, 10*time.Second)

	// Initialize allocates a session and returns its id.
	resp := postJSON(t, gatewayBase(port)+"/mcp", initializeBody, nil)
	sessionID := resp.Header.Get("Mcp-Session-Id")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d", resp.StatusCode)
	}
	if sessionID == "" {
		t.Fatal("missing Mcp-Session-Id header on initialize response")
	}

	// Requests without the session header are rejected.
	resp = postJSON(t, gatewayBase(port)+"/mcp",
		`{"jsonrpc":"2.0","id":"2","method":"tools/list","params":{}}`, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("no-session POST status = %d, want 400", resp.StatusCode)
	}

	// With the header, the request flows.
	resp = postJSON(t, gatewayBase(port)+"/mcp",
		`{"jsonrpc":"2.0","id":"3","method":"tools/list","params":{}}`,
		map[string]string{"Mcp-Session-Id": sessionID})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("session POST status = %d", resp.StatusCode)
	}

	// After sitting idle past the 200ms timeout, the session is reaped and
	// the GET channel reports 400.
	time.Sleep(1200 * time.Millisecond)
	req, err := http.NewRequest(http.MethodGet, gatewayBase(port)+"/mcp", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessionID)
	expired, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	expired.Body.Close()
	if expired.StatusCode != http.StatusBadRequest {
		t.Errorf("expired GET status = %d, want 400", expired.StatusCode)
	}
}

func TestStreamableDeleteTearsDownSession(t *testing.T) {
	port := freePort(t)
	cfg := streamableGatewayConfig(port, true)
	cfg.SessionTimeout = time.Minute // keep the sweeper out of the way
	startGateway(t, RunStdioToStreamableHTTP, cfg)
	waitForHTTPStatus(t, gatewayBase(port)+"/healthz", http.StatusOK, 10*time.Second)

	resp := postJSON(t, gatewayBase(port)+"/mcp", initializeBody, nil)
	sessionID := resp.Header.Get("Mcp-Session-Id")
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, gatewayBase(port)+"/mcp", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Mcp-Session-Id", sessionID)
	deleted, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	deleted.Body.Close()
	if deleted.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d", deleted.StatusCode)
	}

	// The session is gone: subsequent POSTs with its id are rejected.
	resp = postJSON(t, gatewayBase(port)+"/mcp",
		`{"jsonrpc":"2.0","id":"after-delete","method":"tools/list","params":{}}`,
		map[string]string{"Mcp-Session-Id": sessionID})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("post-DELETE status = %d, want 400", resp.StatusCode)
	}
}
