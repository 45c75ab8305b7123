// Package logx builds the process logger from configuration.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Config struct {
	Level  string
	Format string
	// File, when set, receives JSON lines in addition to the main sink.
	File string
}

// New returns the root logger and a closer for any file it opened.
func New(cfg Config, out io.Writer) (zerolog.Logger, io.Closer, error) {
	zerolog.ErrorFieldName = "err"

	writers := make([]io.Writer, 0, 2)
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", FormatConsole:
		writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat})
	case FormatJSON:
		writers = append(writers, out)
	default:
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	var closer io.Closer = nopCloser{}
	if path := strings.TrimSpace(cfg.File); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, zerolog.SyncWriter(f))
		closer = f
	}

	var sink io.Writer = writers[0]
	if len(writers) > 1 {
		sink = zerolog.MultiLevelWriter(writers...)
	}
	logger := zerolog.New(sink).Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	return logger, closer, nil
}

func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "OFF", "DISABLED":
		return zerolog.Disabled
	default:
		return def
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
