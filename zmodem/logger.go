package zmodem

import "github.com/rs/zerolog"

// Logger is the protocol-level logging seam. The engine logs through this
// interface so the core package stays usable from tests without wiring a
// full logging backend.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// NoopLogger does nothing
type NoopLogger struct{}

func (NoopLogger) Debug(format string, args ...interface{}) {}
func (NoopLogger) Info(format string, args ...interface{})  {}
func (NoopLogger) Error(format string, args ...interface{}) {}

// ZerologLogger adapts a zerolog.Logger to the protocol Logger seam.
type ZerologLogger struct {
	L zerolog.Logger
}

func (z ZerologLogger) Debug(format string, args ...interface{}) {
	z.L.Debug().Msgf(format, args...)
}

func (z ZerologLogger) Info(format string, args ...interface{}) {
	z.L.Info().Msgf(format, args...)
}

func (z ZerologLogger) Error(format string, args ...interface{}) {
	z.L.Error().Msgf(format, args...)
}
