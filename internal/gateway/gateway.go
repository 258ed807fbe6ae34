package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mcpway/mcpway/internal/config"
	"github.com/mcpway/mcpway/internal/runtime"
)

// Run selects the transport pairing from configuration, wires the runtime
// store, control bus, and optional admin endpoint together, and blocks until
// the gateway finishes or the context is cancelled. Unsupported pairings
// fail here with a descriptive error.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("mcpway gateway starting",
		"input", cfg.InboundName(),
		"output", string(cfg.OutputTransport),
		"reliability", cfg.RetryPolicyLabel(),
	)

	store := runtime.NewStore(runtime.Args{
		Headers: cfg.Headers,
		Env:     cfg.Env,
	})
	updates := runtime.NewUpdateChannel()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	InstallSignalHandlers(logger, cancel)

	if cfg.RuntimeAdminPort > 0 {
		admin := runtime.NewAdminServer(store, updates, runtime.AdminOptions{
			BearerToken:  cfg.RuntimeAdminToken,
			LoopbackOnly: true,
		}, logger)
		go func() {
			addr := fmt.Sprintf("127.0.0.1:%d", cfg.RuntimeAdminPort)
			if err := admin.Serve(ctx, addr); err != nil {
				logger.Error("runtime admin server error", "error", err)
			}
		}()
	}

	switch cfg.InboundName() {
	case "stdio":
		switch cfg.OutputTransport {
		case config.OutputSSE:
			return RunStdioToSSE(ctx, cfg, store, updates, logger)
		case config.OutputWS:
			return RunStdioToWS(ctx, cfg, store, updates, logger)
		case config.OutputStreamableHTTP:
			return RunStdioToStreamableHTTP(ctx, cfg, store, updates, logger)
		case config.OutputGRPC:
			return RunStdioToGRPC(ctx, cfg, store, updates, logger)
		case config.OutputStdio:
			return RunStdioToStdio(ctx, cfg, store, updates, logger)
		}
	case "sse":
		if cfg.OutputTransport == config.OutputStdio {
			return RunSSEToStdio(ctx, cfg, store, updates, logger)
		}
	case "streamable-http":
		if cfg.OutputTransport == config.OutputStdio {
			return RunStreamableHTTPToStdio(ctx, cfg, store, updates, logger)
		}
	}

	return fmt.Errorf("unsupported transport pairing: %s -> %s",
		cfg.InboundName(), cfg.OutputTransport)
}
