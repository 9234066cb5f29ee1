// Package logging wraps zerolog configuration used by the proxy binary.
//
// Console output goes to stderr. When a directory is configured, warnings and
// errors are also appended to error.log and every served request is written as
// one JSON line to access.log.
package logging

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/offlineweb/pkg/errdefs"
)

const (
	ErrorLogName  = "error.log"
	AccessLogName = "access.log"
)

// Options configures Setup.
type Options struct {
	Level string
	// Dir holds error.log and access.log. Empty disables file output.
	Dir string
	// Console defaults to os.Stderr.
	Console io.Writer
}

// Logs holds the access logger and the open log files.
type Logs struct {
	Access zerolog.Logger
	files  []*os.File
}

// Close closes the log files.
func (l *Logs) Close() error {
	var errs []error
	for _, f := range l.files {
		errs = append(errs, f.Close())
	}
	l.files = nil
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Setup sets the global level and the global logger, and returns the access logger.
func Setup(o Options) (*Logs, error) {
	zerolog.SetGlobalLevel(ParseLevel(o.Level))
	console := o.Console
	if console == nil {
		console = os.Stderr
	}
	cw := zerolog.ConsoleWriter{Out: console, TimeFormat: zerolog.TimeFieldFormat}

	logs := &Logs{Access: zerolog.Nop()}
	if o.Dir == "" {
		log.Logger = log.Output(cw)
		zerolog.DefaultContextLogger = &log.Logger
		return logs, nil
	}

	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrConfig, "log dir "+o.Dir, err)
	}
	errFile, err := openAppend(filepath.Join(o.Dir, ErrorLogName))
	if err != nil {
		return nil, err
	}
	accessFile, err := openAppend(filepath.Join(o.Dir, AccessLogName))
	if err != nil {
		_ = errFile.Close()
		return nil, err
	}
	logs.files = []*os.File{errFile, accessFile}

	multi := zerolog.MultiLevelWriter(
		cw,
		&zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: errFile},
			Level:  zerolog.WarnLevel,
		},
	)
	log.Logger = zerolog.New(multi).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log.Logger
	logs.Access = zerolog.New(accessFile).With().Timestamp().Logger()
	return logs, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrConfig, "open "+path, err)
	}
	return f, nil
}
