package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/mcpway/mcpway/internal/config"
	"github.com/mcpway/mcpway/internal/grpcbridge"
	"github.com/mcpway/mcpway/internal/runtime"
	"github.com/mcpway/mcpway/internal/transport"
	"github.com/mcpway/mcpway/pkg/mcp"
)

// RunGRPCToStdio bridges a remote gRPC MCP bridge onto local stdio
// (connect mode).
func RunGRPCToStdio(ctx context.Context, endpoint string, cfg config.Config, store *runtime.Store, updates runtime.UpdateChannel, logger *slog.Logger) error {
	logger.Info("connecting to gRPC endpoint", "url", endpoint)

	initial := store.GetEffective("")
	warmKey := transport.Fingerprint("grpc", endpoint, initial.Headers.Map(), cfg.ProtocolVersion)

	normalized, err := transport.NormalizeGRPCEndpoint(endpoint)
	if err != nil {
		return err
	}
	target, creds := grpcDialTarget(normalized)

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return fmt.Errorf("gRPC connection failed: %w", err)
	}
	defer conn.Close()

	// Headers are pinned to the stream handshake as metadata.
	md := metadata.New(nil)
	initial.Headers.Range(func(key, value string) bool {
		md.Append(strings.ToLower(key), value)
		return true
	})
	streamCtx := metadata.NewOutgoingContext(ctx, md)

	client := grpcbridge.NewBridgeClient(conn)
	stream, err := client.Stream(streamCtx)
	if err != nil {
		return fmt.Errorf("gRPC stream failed: %w", err)
	}
	transport.Global().MarkSuccess(warmKey, "grpc")

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-updates:
				if !ok {
					return
				}
				req.ReplyTo <- applyPinnedHeaderUpdate(store, req.Update, "gRPC")
			}
		}
	}()

	stdout := newLineWriter(os.Stdout)
	recvErr := make(chan error, 1)
	go func() {
		for {
			envelope, err := stream.Recv()
			if err != nil {
				recvErr <- fmt.Errorf("gRPC stream error: %w", err)
				return
			}
			if strings.TrimSpace(envelope.JSONRPC) == "" {
				continue
			}
			env, decodeErr := mcp.Decode([]byte(envelope.JSONRPC))
			if decodeErr != nil {
				recvErr <- fmt.Errorf("gRPC envelope payload was not valid JSON: %w", decodeErr)
				return
			}
			if err := stdout.WriteEnvelope(env); err != nil {
				recvErr <- err
				return
			}
		}
	}()

	var seq atomic.Uint64
	headerMap := initial.Headers.Map()

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- scanEnvelopes(os.Stdin, logger, func(env *mcp.Envelope) error {
			if !env.IsRequest() && env.Kind() != mcp.KindNotification {
				return stdout.WriteEnvelope(env)
			}
			return stream.Send(&grpcbridge.Envelope{
				JSONRPC:  string(env.Raw()),
				Metadata: headerMap,
				Seq:      seq.Add(1),
			})
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

// grpcDialTarget strips the URL scheme down to host:port and picks
// credentials by scheme.
func grpcDialTarget(normalized string) (string, credentials.TransportCredentials) {
	if rest, ok := strings.CutPrefix(normalized, "https://"); ok {
		return strings.TrimSuffix(rest, "/"), credentials.NewClientTLSFromCert(nil, "")
	}
	rest := strings.TrimPrefix(normalized, "http://")
	return strings.TrimSuffix(rest, "/"), insecure.NewCredentials()
}

// applyPinnedHeaderUpdate handles the control bus for transports whose
// headers are fixed at handshake time (WebSocket upgrade, gRPC stream
// metadata): any observable change requires a reconnect.
func applyPinnedHeaderUpdate(store *runtime.Store, update runtime.Update, label string) runtime.ApplyResult {
	if !update.Scope.Global() {
		return runtime.ApplyError(
			fmt.Sprintf("per-session runtime overrides are not supported for %s outbound", label))
	}
	outcome := store.UpdateGlobal(update.Update)
	if outcome.RestartNeeded || outcome.HeadersChanged {
		return runtime.ApplyResult{
			OK:             true,
			Message:        fmt.Sprintf("updated runtime args; reconnect required for %s endpoint", label),
			RestartNeeded:  true,
			HeadersChanged: outcome.HeadersChanged,
		}
	}
	return runtime.ApplyOK("no runtime changes applied", false)
}
