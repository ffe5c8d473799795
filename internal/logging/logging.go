// Package logging configures scoutcore's structured logger.
//
// Grounded on the teacher's setupLogger: pretty console output in
// development, JSON with service/environment fields in production.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a root logger for the given environment and level string.
func New(environment, levelStr string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}

	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "scoutcore").
		Str("environment", environment).
		Logger()
}
