package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/mcpway/mcpway/internal/config"
	"github.com/mcpway/mcpway/internal/grpcbridge"
)

func grpcGatewayConfig(port int) config.Config {
	cfg := config.Defaults()
	cfg.Stdio = "cat"
	cfg.OutputTransport = config.OutputGRPC
	cfg.Port = port
	return cfg
}

func dialBridge(t *testing.T, port int) grpcbridge.BridgeClient {
	t.Helper()
	conn, err := grpc.NewClient(
		fmt.Sprintf("127.0.0.1:%d", port),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return grpcbridge.NewBridgeClient(conn)
}

func waitForBridgeHealth(t *testing.T, client grpcbridge.BridgeClient, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		resp, err := client.Health(ctx, &grpcbridge.HealthRequest{})
		cancel()
		if err == nil && resp.Ok {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("bridge never became healthy")
}

func recvEnvelope(t *testing.T, stream grpcbridge.StreamClient, timeout time.Duration) *grpcbridge.Envelope {
	t.Helper()
	type result struct {
		env *grpcbridge.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := stream.Recv()
		ch <- result{env, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("stream recv: %v", r.err)
		}
		return r.env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for stream envelope")
		return nil
	}
}

func TestGRPCFanInDemultiplexesByClient(t *testing.T) {
	port := freePort(t)
	startGateway(t, RunStdioToGRPC, grpcGatewayConfig(port))
	client := dialBridge(t, port)
	waitForBridgeHealth(t, client, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streamA, err := client.Stream(ctx)
	if err != nil {
		t.Fatalf("open stream A: %v", err)
	}
	streamB, err := client.Stream(ctx)
	if err != nil {
		t.Fatalf("open stream B: %v", err)
	}

	// Both clients use the same request id 1; the fan-in prefix keeps the
	// echoes apart.
	for i, stream := range []grpcbridge.StreamClient{streamA, streamB} {
		body := fmt.Sprintf(
			`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"marker":%d}}`, i)
		if err := stream.Send(&grpcbridge.Envelope{JSONRPC: body, Seq: 1}); err != nil {
			t.Fatalf("send on stream %d: %v", i, err)
		}
	}

	gotA := recvEnvelope(t, streamA, 5*time.Second)
	gotB := recvEnvelope(t, streamB, 5*time.Second)

	for name, got := range map[string]*grpcbridge.Envelope{"A": gotA, "B": gotB} {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(got.JSONRPC), &parsed); err != nil {
			t.Fatalf("stream %s payload was not JSON: %v", name, err)
		}
		// The prefix must be stripped on the way back out.
		if parsed["id"] != float64(1) {
			t.Errorf("stream %s id = %v, want bare 1", name, parsed["id"])
		}
	}

	markerOf := func(env *grpcbridge.Envelope) float64 {
		var parsed struct {
			Params struct {
				Marker float64 `json:"marker"`
			} `json:"params"`
		}
		_ = json.Unmarshal([]byte(env.JSONRPC), &parsed)
		return parsed.Params.Marker
	}
	if markerOf(gotA) != 0 || markerOf(gotB) != 1 {
		t.Errorf("cross-delivery: A saw marker %v, B saw marker %v", markerOf(gotA), markerOf(gotB))
	}
}

func TestGRPCNumericIDRestoredAsNumber(t *testing.T) {
	port := freePort(t)
	startGateway(t, RunStdioToGRPC, grpcGatewayConfig(port))
	client := dialBridge(t, port)
	waitForBridgeHealth(t, client, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := client.Stream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.Send(&grpcbridge.Envelope{
		JSONRPC: `{"jsonrpc":"2.0","id":42,"method":"ping","params":{}}`,
		Seq:     1,
	}); err != nil {
		t.Fatal(err)
	}

	got := recvEnvelope(t, stream, 5*time.Second)
	var parsed struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal([]byte(got.JSONRPC), &parsed); err != nil {
		t.Fatal(err)
	}
	if string(parsed.ID) != "42" {
		t.Errorf("id = %s, want numeric 42 restored", parsed.ID)
	}
}

func TestGRPCBearerAuthorization(t *testing.T) {
	port := freePort(t)
	cfg := grpcGatewayConfig(port)
	cfg.RuntimeAdminToken = "secret-token"
	startGateway(t, RunStdioToGRPC, cfg)

	client := dialBridge(t, port)

	// Authorized health probe succeeds.
	authedCtx := metadata.AppendToOutgoingContext(context.Background(),
		"authorization", "Bearer secret-token")
	waitForAuthedHealth(t, client, authedCtx, 10*time.Second)

	// Missing and wrong tokens are rejected.
	for name, ctx := range map[string]context.Context{
		"missing": context.Background(),
		"wrong": metadata.AppendToOutgoingContext(context.Background(),
			"authorization", "Bearer nope"),
	} {
		callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := client.Health(callCtx, &grpcbridge.HealthRequest{})
		cancel()
		if status.Code(err) != codes.Unauthenticated {
			t.Errorf("%s token: code = %v, want Unauthenticated", name, status.Code(err))
		}
	}
}

func waitForAuthedHealth(t *testing.T, client grpcbridge.BridgeClient, ctx context.Context, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		resp, err := client.Health(callCtx, &grpcbridge.HealthRequest{})
		cancel()
		if err == nil && resp.Ok {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("authorized health probe never succeeded")
}
