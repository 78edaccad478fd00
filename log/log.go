// Package log provides scoped structured logging on top of zerolog.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const (
	scopeKey   = "s"
	jobKey     = "job"
	nsKey      = "ns"
	opKey      = "op"
	idKey      = "id"
	tsKey      = "ts"
	elapsedKey = "elapsed_secs"
	sizeKey    = "size_bytes"
	countKey   = "count"
)

//nolint:gochecknoglobals
var rootLogger = zerolog.Nop()

// InitGlobals configures the process-wide base logger and returns it.
func InitGlobals(level zerolog.Level, json, noColor bool) *zerolog.Logger {
	return InitGlobalsTo(os.Stdout, level, json, noColor)
}

// InitGlobalsTo is [InitGlobals] writing to out.
func InitGlobalsTo(out io.Writer, level zerolog.Level, json, noColor bool) *zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Second

	w := out
	if !json {
		w = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    noColor,
			TimeFormat: "2006-01-02 15:04:05.000",
		}
	}

	l := zerolog.New(w).Level(level).With().Timestamp().Logger()

	rootLogger = l
	zerolog.DefaultContextLogger = &rootLogger

	return &rootLogger
}

// Attr adds a field to a logger context.
type Attr func(zerolog.Context) zerolog.Context

// Logger is a thin wrapper around [zerolog.Logger].
type Logger struct {
	zl *zerolog.Logger
}

// New returns a logger for the scope.
func New(scope string) Logger {
	l := rootLogger.With().Str(scopeKey, scope).Logger()

	return Logger{zl: &l}
}

// Ctx returns the logger attached to ctx, or the base logger.
func Ctx(ctx context.Context) Logger {
	l := zerolog.Ctx(ctx)
	if l == nil || l.GetLevel() == zerolog.Disabled {
		l = &rootLogger
	}

	return Logger{zl: l}
}

func (l Logger) logger() *zerolog.Logger {
	if l.zl == nil {
		return &rootLogger
	}

	return l.zl
}

// With returns a child logger with the attributes.
func (l Logger) With(attrs ...Attr) Logger {
	c := l.logger().With()
	for _, attr := range attrs {
		c = attr(c)
	}

	zl := c.Logger()

	return Logger{zl: &zl}
}

// WithContext attaches the logger to ctx.
func (l Logger) WithContext(ctx context.Context) context.Context {
	return l.logger().WithContext(ctx)
}

func (l Logger) Trace(msg string) {
	l.logger().Trace().Msg(msg)
}

func (l Logger) Tracef(format string, vals ...any) {
	l.logger().Trace().Msgf(format, vals...)
}

func (l Logger) Debug(msg string) {
	l.logger().Debug().Msg(msg)
}

func (l Logger) Debugf(format string, vals ...any) {
	l.logger().Debug().Msgf(format, vals...)
}

func (l Logger) Info(msg string) {
	l.logger().Info().Msg(msg)
}

func (l Logger) Infof(format string, vals ...any) {
	l.logger().Info().Msgf(format, vals...)
}

func (l Logger) Warn(msg string) {
	l.logger().Warn().Msg(msg)
}

func (l Logger) Warnf(format string, vals ...any) {
	l.logger().Warn().Msgf(format, vals...)
}

func (l Logger) Error(err error, msg string) {
	l.logger().Error().Err(err).Msg(msg)
}

func (l Logger) Errorf(err error, format string, vals ...any) {
	l.logger().Error().Err(err).Msgf(format, vals...)
}

// Job sets the sync job id.
func Job(id string) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str(jobKey, id)
	}
}

// NS sets the namespace.
func NS(db, coll string) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str(nsKey, db+"."+coll)
	}
}

// Op sets the oplog operation type.
func Op(op string) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str(opKey, op)
	}
}

// ID sets the document id.
func ID(v any) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str(idKey, fmt.Sprint(v))
	}
}

// OpTime sets the oplog timestamp as "T.I".
func OpTime(t, i uint32) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str(tsKey, fmt.Sprintf("%d.%d", t, i))
	}
}

func Elapsed(dur time.Duration) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Dur(elapsedKey, dur)
	}
}

func Size(size uint64) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Uint64(sizeKey, size)
	}
}

func Count(n int64) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Int64(countKey, n)
	}
}

func Str(key, v string) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str(key, v)
	}
}
