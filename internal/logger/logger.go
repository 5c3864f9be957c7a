package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bilal/freqswitch-agent/internal/config"
)

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Init points the global logger at stderr and, when logging.file is set, also
// appends JSON lines to that file. The returned closer releases the file.
func Init(lcfg config.LoggingConfig, agent string) (io.Closer, error) {
	if lcfg.File == "" {
		InitWriter(lcfg, agent, os.Stderr, nil)
		return nopCloser{}, nil
	}

	f, err := os.OpenFile(lcfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	InitWriter(lcfg, agent, os.Stderr, f)
	return f, nil
}

// InitWriter configures the global logger on out. file, when non-nil,
// receives the same entries as JSON regardless of the console format.
func InitWriter(lcfg config.LoggingConfig, agent string, out, file io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(lcfg.Level))

	var w io.Writer = out
	if strings.ToLower(lcfg.Format) == "console" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	if file != nil {
		w = zerolog.MultiLevelWriter(w, file)
	}
	ctx := zerolog.New(w).With().Timestamp()
	if agent != "" {
		ctx = ctx.Str("agent", agent)
	}
	log.Logger = ctx.Logger()
}
