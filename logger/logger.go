// Package logger wires up the process-wide zerolog logger.
package logger

import (
	"os"

	"github.com/pulsepay/ingress/config"
	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger. Components derive their own
// sub-logger from it via .With().Str("component", "...").Logger()
// rather than relying on a global.
func New(cfg *config.Config) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr}
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if cfg.IsDevelopment() {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(out).With().Timestamp().Logger()
}
