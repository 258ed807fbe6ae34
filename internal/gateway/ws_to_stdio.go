package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/websocket"

	"github.com/mcpway/mcpway/internal/config"
	"github.com/mcpway/mcpway/internal/runtime"
	"github.com/mcpway/mcpway/internal/transport"
	"github.com/mcpway/mcpway/pkg/mcp"
)

// RunWSToStdio bridges a remote WebSocket MCP server onto local stdio
// (connect mode). Custom headers attach to the upgrade request; they are
// pinned for the connection's lifetime.
func RunWSToStdio(ctx context.Context, endpoint string, cfg config.Config, store *runtime.Store, updates runtime.UpdateChannel, logger *slog.Logger) error {
	logger.Info("connecting to WebSocket endpoint", "url", endpoint)

	initial := store.GetEffective("")
	warmKey := transport.Fingerprint("ws", endpoint, initial.Headers.Map(), cfg.ProtocolVersion)

	header := http.Header{}
	initial.Headers.Range(func(key, value string) bool {
		header.Set(key, value)
		return true
	})

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = connectTimeout

	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return fmt.Errorf("WebSocket connection failed: %w", err)
	}
	defer conn.Close()
	transport.Global().MarkSuccess(warmKey, "ws")

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-updates:
				if !ok {
					return
				}
				req.ReplyTo <- applyPinnedHeaderUpdate(store, req.Update, "WebSocket")
			}
		}
	}()

	stdout := newLineWriter(os.Stdout)

	recvErr := make(chan error, 1)
	go func() {
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				if closeErr, ok := err.(*websocket.CloseError); ok {
					recvErr <- fmt.Errorf("WebSocket closed by peer (code=%d, reason=%s)",
						closeErr.Code, closeErr.Text)
					return
				}
				recvErr <- fmt.Errorf("WebSocket stream error: %w", err)
				return
			}
			// Binary frames are UTF-8 JSON; ping/pong never reaches here.
			if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
				continue
			}
			env, decodeErr := mcp.Decode(payload)
			if decodeErr != nil {
				recvErr <- fmt.Errorf("WebSocket frame was not valid JSON: %w", decodeErr)
				return
			}
			if err := stdout.WriteEnvelope(env); err != nil {
				recvErr <- err
				return
			}
		}
	}()

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- scanEnvelopes(os.Stdin, logger, func(env *mcp.Envelope) error {
			if !env.IsRequest() && env.Kind() != mcp.KindNotification {
				return stdout.WriteEnvelope(env)
			}
			if err := conn.WriteMessage(websocket.TextMessage, env.Raw()); err != nil {
				return fmt.Errorf("failed to write WebSocket message: %w", err)
			}
			return nil
		})
	}()

	select {
	case err := <-recvErr:
		return err
	case err := <-sendErr:
		return err
	case <-ctx.Done():
		return nil
	}
}
