// Package utils
package utils

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	logger zerolog.Logger
	once   sync.Once

	level  = zerolog.InfoLevel
	pretty bool
	output io.Writer = os.Stderr
)

// ConfigureLogger sets level and format for the process logger. It only has an effect
// before the first call to GetLogger.
func ConfigureLogger(lvl string, prettyOutput bool, w io.Writer) {
	if parsed, err := zerolog.ParseLevel(lvl); err == nil && lvl != "" {
		level = parsed
	}
	pretty = prettyOutput
	if w != nil {
		output = w
	}
}

func GetLogger() *zerolog.Logger {
	once.Do(func() {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
		w := output
		if pretty {
			w = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05.000"}
		}
		logger = zerolog.New(w).Level(level).With().Timestamp().Str("app", "orderbook-replay").Logger()
	})
	return &logger
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return GetLogger().With().Str("component", name).Logger()
}
