package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/mcpway/mcpway/internal/config"
	"github.com/mcpway/mcpway/internal/runtime"
)

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startGateway runs a gateway pairing in the background and cancels it at
// test cleanup.
func startGateway(t *testing.T, run func(context.Context, config.Config, *runtime.Store, runtime.UpdateChannel, *slog.Logger) error, cfg config.Config) (*runtime.Store, runtime.UpdateChannel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := runtime.NewStore(runtime.Args{Headers: cfg.Headers, Env: cfg.Env})
	updates := runtime.NewUpdateChannel()
	go func() {
		if err := run(ctx, cfg, store, updates, quietLogger()); err != nil && ctx.Err() == nil {
			t.Errorf("gateway exited: %v", err)
		}
	}()
	return store, updates
}

func waitForHTTPStatus(t *testing.T, url string, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: time.Second}
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			status := resp.StatusCode
			resp.Body.Close()
			if status == want {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to return %d", url, want)
}

// sseReader incrementally reads server-sent events off a live response body.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(body io.Reader) *sseReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &sseReader{scanner: scanner}
}

// next returns the next complete event, or an error on stream end.
func (r *sseReader) next(t *testing.T, timeout time.Duration) sseEvent {
	t.Helper()
	result := make(chan sseEvent, 1)
	go func() {
		var name string
		var data []string
		for r.scanner.Scan() {
			line := strings.TrimSuffix(r.scanner.Text(), "\r")
			switch {
			case line == "":
				if len(data) > 0 {
					result <- sseEvent{Name: name, Data: strings.Join(data, "\n")}
					return
				}
				name = ""
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
	}()
	select {
	case event := <-result:
		return event
	case <-time.After(timeout):
		t.Fatal("timed out waiting for SSE event")
		return sseEvent{}
	}
}

func gatewayBase(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}
