package observer

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

var osExit = os.Exit

// exit is swapped in tests.
var exit = osExit

// SetupSignalHandler returns a context cancelled on the first SIGTERM or
// SIGINT. The in-flight job still finishes; a second signal exits at once.
func SetupSignalHandler(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("signal received, finishing current job", "signal", sig.String())
		case <-ctx.Done():
			return
		}
		cancel()

		sig := <-sigCh
		logger.Warn("second signal received, forcing exit", "signal", sig.String())
		exit(1)
	}()

	return ctx, cancel
}
