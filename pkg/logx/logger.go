package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// Logger is a value type; copies are cheap and safe to share.
// A Logger obtained from a Service follows every later Service.Apply.
// The zero value discards everything.
type Logger struct {
	svc    *Service
	static *zerolog.Logger
	fields []Field
}

// Nop returns a logger that never writes.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{static: &zl}
}

// NewConsole returns a standalone human-readable logger on stdout, for use
// before the configured Service exists.
func NewConsole(level string) Logger {
	zl := build(prettyWriter(Stdout()), level)
	return Logger{static: &zl}
}

// NewWriter returns a standalone JSON-lines logger on w.
func NewWriter(w io.Writer, level string) Logger {
	zl := build(w, level)
	return Logger{static: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.static == nil && len(l.fields) == 0 }

func (l Logger) target() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.load()
	case l.static != nil:
		return *l.static
	default:
		return zerolog.Nop()
	}
}

// Enabled reports whether a line at level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.target()
	return level >= zl.GetLevel()
}

// With returns a logger that adds fields to every line.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.fields = make([]Field, 0, len(l.fields)+len(fields))
	out.fields = append(out.fields, l.fields...)
	out.fields = append(out.fields, fields...)
	return out
}

func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	zl := l.target()
	ev := zl.WithLevel(level)
	if ev == nil {
		return
	}
	if c := caller(3); c != "" {
		ev.Str(zerolog.CallerFieldName, c)
	}
	apply(ev, l.fields)
	apply(ev, fields)
	ev.Msg(msg)
}

func apply(ev *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(ev)
		}
	}
}

// caller returns file:line of the frame skip levels up.
func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}
