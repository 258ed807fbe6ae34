package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/mcpway/mcpway/internal/child"
	"github.com/mcpway/mcpway/internal/config"
	"github.com/mcpway/mcpway/internal/grpcbridge"
	"github.com/mcpway/mcpway/internal/runtime"
	"github.com/mcpway/mcpway/pkg/mcp"
)

const grpcClientQueue = 256

// grpcClientMap tracks connected stream clients by their fan-in tag.
type grpcClientMap struct {
	mu    sync.Mutex
	conns map[string]chan *grpcbridge.Envelope
}

func newGRPCClientMap() *grpcClientMap {
	return &grpcClientMap{conns: make(map[string]chan *grpcbridge.Envelope)}
}

func (m *grpcClientMap) add(id string) chan *grpcbridge.Envelope {
	ch := make(chan *grpcbridge.Envelope, grpcClientQueue)
	m.mu.Lock()
	m.conns[id] = ch
	m.mu.Unlock()
	return ch
}

func (m *grpcClientMap) remove(id string) {
	m.mu.Lock()
	if ch, ok := m.conns[id]; ok {
		delete(m.conns, id)
		close(ch)
	}
	m.mu.Unlock()
}

// send queues an envelope for one client, or broadcasts when id is empty.
func (m *grpcClientMap) send(id string, env *grpcbridge.Envelope, logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	push := func(clientID string, ch chan *grpcbridge.Envelope) {
		select {
		case ch <- env:
		default:
			logger.Warn("gRPC client lagging, dropping message", "client_id", clientID)
		}
	}
	if id != "" {
		if ch, ok := m.conns[id]; ok {
			push(id, ch)
		}
		return
	}
	for clientID, ch := range m.conns {
		push(clientID, ch)
	}
}

// bridgeService implements the gRPC bridge over a shared stdio child.
// Request ids are prefixed with a per-client tag so the child's responses
// can be routed back to the originating client; responses without a known
// tag are broadcast.
type bridgeService struct {
	supervisor  *child.Supervisor
	clients     *grpcClientMap
	seq         atomic.Uint64
	bearerToken string
	logger      *slog.Logger
}

func (s *bridgeService) Stream(stream grpcbridge.StreamServer) error {
	if err := s.authorize(stream.Context()); err != nil {
		return err
	}

	clientID := uuid.NewString()
	outbox := s.clients.add(clientID)
	defer s.clients.remove(clientID)
	s.logger.Info("gRPC client connected", "client_id", clientID)

	// Writer half.
	writeDone := make(chan error, 1)
	go func() {
		for env := range outbox {
			if err := stream.Send(env); err != nil {
				writeDone <- err
				return
			}
		}
		writeDone <- nil
	}()

	// Reader half: prefix ids, hand to the child.
	for {
		envelope, err := stream.Recv()
		if err != nil {
			s.logger.Debug("gRPC stream ended", "client_id", clientID, "error", err)
			return nil
		}
		if envelope.JSONRPC == "" {
			continue
		}
		env, decodeErr := mcp.Decode([]byte(envelope.JSONRPC))
		if decodeErr != nil {
			s.logger.Error("ignoring invalid JSON envelope from gRPC client", "error", decodeErr)
			continue
		}
		if id := env.ID(); id != nil {
			prefixed, prefixErr := env.WithID(mcp.PairID(clientID, id))
			if prefixErr != nil {
				s.logger.Error("failed to prefix request id", "error", prefixErr)
				continue
			}
			env = prefixed
		}
		if err := s.supervisor.Send(env); err != nil {
			s.logger.Error("failed to write gRPC message to child", "error", err)
			return status.Error(codes.Unavailable, "child process unavailable")
		}
	}
}

func (s *bridgeService) Health(ctx context.Context, _ *grpcbridge.HealthRequest) (*grpcbridge.HealthResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	return &grpcbridge.HealthResponse{Ok: s.supervisor.IsAlive(), Message: "ok"}, nil
}

// authorize enforces bearer metadata auth when a token is configured.
func (s *bridgeService) authorize(ctx context.Context) error {
	if s.bearerToken == "" {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	if values[0] != "Bearer "+s.bearerToken {
		return status.Error(codes.Unauthenticated, "invalid bearer token")
	}
	return nil
}

// RunStdioToGRPC exposes a stdio child through the gRPC bridge service.
func RunStdioToGRPC(ctx context.Context, cfg config.Config, store *runtime.Store, updates runtime.UpdateChannel, logger *slog.Logger) error {
	spec, err := child.ParseCommandSpec(cfg.Stdio)
	if err != nil {
		return fmt.Errorf("invalid stdio command: %w", err)
	}
	supervisor := child.NewSupervisor(spec, true, logger)
	if err := supervisor.Spawn(store.GetEffective("")); err != nil {
		return err
	}
	defer supervisor.Shutdown()

	service := &bridgeService{
		supervisor:  supervisor,
		clients:     newGRPCClientMap(),
		bearerToken: cfg.RuntimeAdminToken,
		logger:      logger,
	}

	go handleChildUpdates(ctx, store, updates, supervisor, logger)

	// Child output pump: strip the fan-in prefix and route; unknown tags are
	// broadcast.
	childOut, cancelSub := supervisor.Subscribe()
	defer cancelSub()
	go func() {
		for env := range childOut {
			outgoing := env
			var target string
			if tag, original, ok := mcp.StripPrefixedID(env); ok {
				restored, err := env.WithID(original)
				if err != nil {
					logger.Error("failed to restore request id", "error", err)
					continue
				}
				outgoing = restored
				target = tag
			}
			service.clients.send(target, &grpcbridge.Envelope{
				JSONRPC: string(outgoing.Raw()),
				Seq:     service.seq.Add(1),
			}, logger)
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	grpcServer := grpc.NewServer()
	grpcbridge.RegisterBridgeServer(grpcServer, service)

	logger.Info("serving gRPC gateway", "port", cfg.Port, "stdio", spec.String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(listener)
	}()
	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
