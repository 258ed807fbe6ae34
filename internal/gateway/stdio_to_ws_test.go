package gateway

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcpway/mcpway/internal/config"
)

func wsGatewayConfig(port int) config.Config {
	cfg := config.Defaults()
	cfg.Stdio = "cat"
	cfg.OutputTransport = config.OutputWS
	cfg.Port = port
	cfg.HealthEndpoints = []string{"/healthz"}
	return cfg
}

func dialWS(t *testing.T, port int) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/", port)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Cleanup(func() { _ = conn.Close() })
			return conn
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("timed out dialing WebSocket gateway")
	return nil
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return payload
}

func TestStdioToWSEchoRoundtrip(t *testing.T) {
	port := freePort(t)
	startGateway(t, RunStdioToWS, wsGatewayConfig(port))
	conn := dialWS(t, port)

	request := `{"jsonrpc":"2.0","id":"ws-1","method":"initialize","params":{}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(request)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	var echoed map[string]any
	if err := json.Unmarshal(readFrame(t, conn, 5*time.Second), &echoed); err != nil {
		t.Fatalf("frame was not JSON: %v", err)
	}
	if echoed["id"] != "ws-1" || echoed["method"] != "initialize" {
		t.Errorf("echoed = %v", echoed)
	}
}

func TestStdioToWSAcceptsBinaryFrames(t *testing.T) {
	port := freePort(t)
	startGateway(t, RunStdioToWS, wsGatewayConfig(port))
	conn := dialWS(t, port)

	request := []byte(`{"jsonrpc":"2.0","id":"bin-1","method":"ping","params":{}}`)
	if err := conn.WriteMessage(websocket.BinaryMessage, request); err != nil {
		t.Fatalf("write binary frame: %v", err)
	}

	var echoed map[string]any
	if err := json.Unmarshal(readFrame(t, conn, 5*time.Second), &echoed); err != nil {
		t.Fatalf("frame was not JSON: %v", err)
	}
	if echoed["id"] != "bin-1" {
		t.Errorf("echoed = %v", echoed)
	}
}

func TestStdioToWSRoutesPerClient(t *testing.T) {
	port := freePort(t)
	startGateway(t, RunStdioToWS, wsGatewayConfig(port))

	connA := dialWS(t, port)
	connB := dialWS(t, port)

	for i, conn := range []*websocket.Conn{connA, connB} {
		request := fmt.Sprintf(`{"jsonrpc":"2.0","id":"client-%d","method":"ping","params":{}}`, i)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(request)); err != nil {
			t.Fatal(err)
		}
	}

	var gotA, gotB map[string]any
	if err := json.Unmarshal(readFrame(t, connA, 5*time.Second), &gotA); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(readFrame(t, connB, 5*time.Second), &gotB); err != nil {
		t.Fatal(err)
	}
	if gotA["id"] != "client-0" {
		t.Errorf("client A saw %v", gotA["id"])
	}
	if gotB["id"] != "client-1" {
		t.Errorf("client B saw %v", gotB["id"])
	}
}
