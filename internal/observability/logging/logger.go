// Package logging provides structured logging with zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger for a service binary.
// env="dev" switches to human-readable console output.
func Init(service, level, env string) {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var output io.Writer = os.Stdout
	if env == "dev" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// WithComponent returns a logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Logger()
}

// WithInteraction returns a logger with interaction context.
func WithInteraction(interactionID, tenantID string) zerolog.Logger {
	return log.With().
		Str("interactionId", interactionID).
		Str("tenantId", tenantID).
		Logger()
}

// WithSession returns a logger with provider session context.
func WithSession(interactionID, provider string) zerolog.Logger {
	return log.With().
		Str("interactionId", interactionID).
		Str("provider", provider).
		Logger()
}
