package mq

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger behind the small Debug/Info/Warn/Error call
// shape used throughout the broker, with key-value pairs instead of
// zerolog's fluent event builder at call sites — callers don't need to
// import zerolog just to log a field.
type Logger struct {
	z zerolog.Logger
}

// NewLogger creates a Logger writing human-readable, colorized output to
// stderr. Use NewJSONLogger for production deployments.
func NewLogger() *Logger {
	return &Logger{z: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()}
}

// NewJSONLogger creates a Logger writing structured JSON lines to stderr.
func NewJSONLogger() *Logger {
	return &Logger{z: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

// With returns a child Logger that includes component in every subsequent
// event, mirroring the teacher's Logger.With("lib", "mq") narrowing.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{z: l.z.With().Str(key, value).Logger()}
}

func (l *Logger) event(e *zerolog.Event, msg string, kv ...any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	e.Msg(msg)
}

func (l *Logger) Debug(msg string, kv ...any) { l.event(l.z.Debug(), msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.event(l.z.Info(), msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.event(l.z.Warn(), msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.event(l.z.Error(), msg, kv...) }
