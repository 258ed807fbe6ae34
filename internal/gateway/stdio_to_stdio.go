package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mcpway/mcpway/internal/child"
	"github.com/mcpway/mcpway/internal/config"
	"github.com/mcpway/mcpway/internal/runtime"
	"github.com/mcpway/mcpway/pkg/mcp"
)

// RunStdioToStdio is the loopback pairing: the gateway's own stdin/stdout
// bridged to a stdio child. Useful for wrapping a server with runtime
// control (header/env updates, restart) without changing its transport.
func RunStdioToStdio(ctx context.Context, cfg config.Config, store *runtime.Store, updates runtime.UpdateChannel, logger *slog.Logger) error {
	spec, err := child.ParseCommandSpec(cfg.Stdio)
	if err != nil {
		return fmt.Errorf("invalid stdio command: %w", err)
	}
	logger.Info("starting loopback gateway", "stdio", spec.String())

	supervisor := child.NewSupervisor(spec, true, logger)
	if err := supervisor.Spawn(store.GetEffective("")); err != nil {
		return err
	}
	defer supervisor.Shutdown()

	go handleChildUpdates(ctx, store, updates, supervisor, logger)

	stdout := newLineWriter(os.Stdout)
	childOut, cancelSub := supervisor.Subscribe()
	defer cancelSub()
	go func() {
		for env := range childOut {
			if err := stdout.WriteEnvelope(env); err != nil {
				return
			}
		}
	}()

	return scanEnvelopes(os.Stdin, logger, func(env *mcp.Envelope) error {
		return supervisor.Send(env)
	})
}
