// Command offlineweb is a TLS-intercepting caching proxy that keeps serving
// cached pages when the network is gone.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jnovack/flag"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/offlineweb/internal/app"
	"github.com/jnovack/offlineweb/internal/config"
	"github.com/jnovack/offlineweb/pkg/logging"
	"github.com/jnovack/offlineweb/pkg/signals"
)

func main() {
	os.Exit(run(os.Args[0], os.Args[1:], os.Stderr))
}

// run returns the process exit code. Logs are closed before it returns.
func run(name string, args []string, stderr io.Writer) int {
	cfg, err := config.Load(name, args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	logs, err := logging.Setup(logging.Options{Level: cfg.LogLevel, Dir: cfg.LogDir, Console: stderr})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer logs.Close()

	a, err := app.New(cfg, app.Options{AccessLog: &logs.Access})
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return 1
	}
	if err := a.Start(); err != nil {
		log.Error().Err(err).Msg("listen failed")
		return 1
	}
	log.Info().
		Str("http", a.Addr("http")).
		Str("tls", a.Addr("tls")).
		Str("admin", a.Addr("admin")).
		Str("cert_cache", cfg.CertCache).
		Str("response_cache", cfg.ResponseCache).
		Bool("offline", cfg.Offline).
		Msg("offlineweb started")

	stopCh := make(chan struct{})
	ctx := signals.Setup(stopCh)
	signals.OnHangup(ctx, func() { _ = a.ReloadRules() })

	code := 0
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case err := <-a.Err():
		log.Error().Err(err).Msg("server failed")
		code = 1
	}

	ctxShut, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Shutdown(ctxShut); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
	log.Info().Msg("offlineweb stopped")
	return code
}
