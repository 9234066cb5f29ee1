// Package signals wires SIGINT/SIGTERM to graceful shutdown and SIGHUP to reload hooks.
//
// Setup installs an OS signal handler that listens for SIGINT and SIGTERM.
// When one of those signals is received it will:
//   - log the signal
//   - close the provided stopCh (if non-nil)
//   - cancel the returned context
//
// Closing stopCh is done inside a recover() wrapper in case the channel was
// closed elsewhere.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Setup registers a handler for SIGINT and SIGTERM.
// It returns a context.Context that will be canceled when a signal is received.
// If stopCh is non-nil it will be closed when a signal is received.
func Setup(stopCh chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		signal.Stop(sigCh)
		log.Info().Str("signal", sig.String()).Msg("signal received, shutting down")

		if stopCh != nil {
			func() {
				defer func() { _ = recover() }()
				close(stopCh)
			}()
		}
		cancel()
	}()

	return ctx
}

// OnHangup calls fn for every SIGHUP until ctx is done.
func OnHangup(ctx context.Context, fn func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				log.Info().Msg("SIGHUP received, reloading")
				fn()
			}
		}
	}()
}
