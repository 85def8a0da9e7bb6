package observability

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a JSON logger on stdout tagged with component. The level
// comes from AUCTION_LOG_LEVEL and defaults to info.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, os.Getenv("AUCTION_LOG_LEVEL"))
}

// NewLoggerWithLevel returns a component logger at an explicit level name.
func NewLoggerWithLevel(component, level string) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLevel maps a level name to zerolog; unknown names mean info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
