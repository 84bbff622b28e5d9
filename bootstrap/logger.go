package bootstrap

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// SetupLogger builds the process logger. format is "json" or "console";
// an unknown level falls back to info. out defaults to stdout.
func SetupLogger(level, format string, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	SetLogLevel(level)

	if format == "console" {
		output := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(out).With().Timestamp().Logger()
}

// SetLogLevel changes the global log level and reports the level in effect.
func SetLogLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		l = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(l)
	return l
}
