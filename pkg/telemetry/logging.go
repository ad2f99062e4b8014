// Package telemetry provides the logging, metrics, and tracing
// surface shared by every component of the orchestration core. It
// mirrors the teacher's structured-logging pattern but builds on
// zerolog, the logger the wider codebase actually reaches for.
package telemetry

import (
	"context"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type correlationKey string

const (
	keyConstellationID correlationKey = "constellation_id"
	keyTaskID          correlationKey = "task_id"
	keyDeviceID        correlationKey = "device_id"
)

// Logger wraps a zerolog.Logger with helpers for attaching the
// correlation fields the orchestrator threads through every log line:
// constellation id, task id, device id.
type Logger struct {
	zerolog.Logger
}

// NewLogger builds a Logger writing to out in the given format.
// json=false renders a human-friendly console writer, matching how
// the teacher's cmd/ binaries default to pretty output in dev and JSON
// in production.
func NewLogger(out io.Writer, level zerolog.Level, json bool) Logger {
	if out == nil {
		out = os.Stderr
	}
	var w io.Writer = out
	if !json {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	return Logger{zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// WithConstellation returns a logger annotated with a constellation id.
func (l Logger) WithConstellation(id string) Logger {
	return Logger{l.Logger.With().Str(string(keyConstellationID), id).Logger()}
}

// WithTask returns a logger annotated with a task id.
func (l Logger) WithTask(id string) Logger {
	return Logger{l.Logger.With().Str(string(keyTaskID), id).Logger()}
}

// WithDevice returns a logger annotated with a device id.
func (l Logger) WithDevice(id string) Logger {
	return Logger{l.Logger.With().Str(string(keyDeviceID), id).Logger()}
}

type loggerCtxKey struct{}

// IntoContext stashes a Logger on a context so deep call chains (the
// scheduler loop, a device session's reader goroutine) can retrieve it
// without threading it through every signature.
func IntoContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, l)
}

// FromContext recovers the Logger stashed by IntoContext, falling back
// to a disabled logger if none was set.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(Logger); ok {
		return l
	}
	return Logger{zerolog.Nop()}
}

// NewMessageID generates the message_id carried by every AIP frame.
func NewMessageID() string {
	return uuid.NewString()
}
