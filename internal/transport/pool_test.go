package transport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFingerprintStableUnderHeaderOrder(t *testing.T) {
	a := Fingerprint("streamable-http", "https://example.com/mcp",
		map[string]string{"Authorization": "Bearer token-a", "X-Env": "prod"}, "2024-11-05")
	b := Fingerprint("streamable-http", "https://example.com/mcp",
		map[string]string{"X-Env": "prod", "Authorization": "Bearer token-a"}, "2024-11-05")
	if a != b {
		t.Errorf("fingerprint differs under header insertion order: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint("sse", "https://example.com/sse",
		map[string]string{"Authorization": "Bearer t"}, "2024-11-05")

	tests := []struct {
		name string
		got  string
	}{
		{"transport", Fingerprint("ws", "https://example.com/sse",
			map[string]string{"Authorization": "Bearer t"}, "2024-11-05")},
		{"endpoint", Fingerprint("sse", "https://other.example.com/sse",
			map[string]string{"Authorization": "Bearer t"}, "2024-11-05")},
		{"protocol version", Fingerprint("sse", "https://example.com/sse",
			map[string]string{"Authorization": "Bearer t"}, "2025-03-26")},
		{"header pair", Fingerprint("sse", "https://example.com/sse",
			map[string]string{"Authorization": "Bearer other"}, "2024-11-05")},
	}
	for _, tt := range tests {
		if tt.got == base {
			t.Errorf("fingerprint did not change when %s changed", tt.name)
		}
	}
}

func TestPoolReusesClientsByFingerprint(t *testing.T) {
	pool := NewPool()
	key := Fingerprint("sse", "https://example.com/sse", nil, "2024-11-05")

	first := pool.HTTPClient(key, 10*time.Second, 30*time.Second)
	second := pool.HTTPClient(key, time.Second, time.Second)
	if first != second {
		t.Error("pool created a second client for the same fingerprint")
	}

	other := pool.HTTPClient("different-key", 10*time.Second, 30*time.Second)
	if other == first {
		t.Error("pool shared a client across fingerprints")
	}
}

func TestWarmCachePersistsOnlyHashedKeys(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "warm-cache.json")
	t.Setenv(WarmCachePathEnv, tmp)

	pool := NewPool()
	key := Fingerprint("streamable-http", "https://secret.example.com/mcp",
		map[string]string{"Authorization": "Bearer hunter2"}, "2024-11-05")
	pool.MarkSuccess(key, "streamable-http")

	data, err := os.ReadFile(tmp)
	if err != nil {
		t.Fatalf("warm cache file missing: %v", err)
	}
	body := string(data)
	if !strings.Contains(body, key) {
		t.Error("warm cache should contain the fingerprint")
	}
	if strings.Contains(body, "secret.example.com") || strings.Contains(body, "hunter2") {
		t.Error("warm cache leaked a raw endpoint or credential")
	}

	// A fresh pool reloads the hint.
	reloaded := NewPool()
	if _, ok := reloaded.Hint(key); !ok {
		t.Error("reloaded pool lost the warm hint")
	}
}

func TestInferProtocol(t *testing.T) {
	tests := []struct {
		endpoint string
		want     Protocol
		wantErr  bool
	}{
		{endpoint: "ws://example.com/mcp", want: ProtocolWS},
		{endpoint: "wss://example.com/mcp", want: ProtocolWS},
		{endpoint: "grpc://example.com:50051", want: ProtocolGRPC},
		{endpoint: "grpcs://example.com:50051", want: ProtocolGRPC},
		{endpoint: "https://example.com/sse", want: ProtocolSSE},
		{endpoint: "https://example.com/SSE/stream", want: ProtocolSSE},
		{endpoint: "https://example.com/mcp", want: ProtocolStreamableHTTP},
		{endpoint: "https://example.com/mcp?transport=sse", want: ProtocolStreamableHTTP},
		{endpoint: "ftp://example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			got, err := InferProtocol(tt.endpoint)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("InferProtocol() = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("InferProtocol() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("InferProtocol() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeGRPCEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "grpc://localhost:50051", want: "http://localhost:50051"},
		{in: "grpcs://api.example.com", want: "https://api.example.com"},
		{in: "http://localhost:50051", want: "http://localhost:50051"},
		{in: "ws://localhost:50051", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeGRPCEndpoint(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizeGRPCEndpoint(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeGRPCEndpoint(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeGRPCEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
