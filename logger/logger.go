// Package logger builds the zerolog.Logger shared by every package in
// this client, console-pretty in development and level-gated JSON in
// production.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/emirhan-k/groq-go/config"
)

// New returns a configured zerolog.Logger: console-pretty in
// development, JSON gated by cfg.LogLevel otherwise.
func New(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if cfg.IsDevelopment() && lvl > zerolog.DebugLevel {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(out).With().Timestamp().Str("component", "groq-go").Logger()
}
