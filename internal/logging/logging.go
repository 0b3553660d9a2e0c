// Package logging configures the process-wide zerolog root logger.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. Dev environments get a human console
// writer; everything else emits JSON.
func New(appEnv, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if appEnv == "dev" {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
		logger = zerolog.New(out)
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
