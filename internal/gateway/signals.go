package gateway

import (
	"log/slog"
	"os"
	"os/signal"
)

// InstallSignalHandlers runs cleanup and exits on the platform's termination
// signals (SIGINT/SIGTERM/SIGHUP on Unix, Ctrl+C elsewhere).
func InstallSignalHandlers(logger *slog.Logger, cleanup func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, gracefulSignals()...)

	go func() {
		sig := <-sigCh
		logger.Info("caught signal, exiting", "signal", sig.String())
		if cleanup != nil {
			cleanup()
		}
		os.Exit(0)
	}()
}
