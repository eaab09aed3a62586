package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field decorates one log event. Fields apply in order, so a later field
// with the same key wins in the console view; the JSON sink keeps both.
type Field func(e *zerolog.Event)

func String(k, v string) Field      { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field     { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Bool(k string, v bool) Field   { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Any(k string, v any) Field     { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

func Time(k string, v time.Time) Field {
	return func(e *zerolog.Event) { e.Time(k, v) }
}

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Identity tags a line with the sanitized phone number of a session.
func Identity(id string) Field { return String("identity", id) }

// Job tags a line with a dispatch job id.
func Job(id string) Field { return String("job", id) }

// Recipient tags a line with the destination address of a single send.
func Recipient(addr string) Field { return String("to", addr) }

// Counts renders batch counters as one nested object.
func Counts(total, successful, failed int) Field {
	return func(e *zerolog.Event) {
		e.Dict("counts", zerolog.Dict().
			Int("total", total).
			Int("successful", successful).
			Int("failed", failed))
	}
}
