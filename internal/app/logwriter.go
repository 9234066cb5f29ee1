package app

import (
	stdlog "log"
	"strings"

	"github.com/rs/zerolog/log"
)

type handshakeLogWriter struct{}

func (handshakeLogWriter) Write(p []byte) (int, error) {
	log.Debug().Str("component", "tls").Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}

// tlsErrorLog routes net/http server errors, mostly failed client handshakes
// from clients that do not trust the CA, to debug level.
func tlsErrorLog() *stdlog.Logger {
	return stdlog.New(handshakeLogWriter{}, "", 0)
}
