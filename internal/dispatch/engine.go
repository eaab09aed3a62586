// Package dispatch drives recipient batches through a session's transport
// handle under a fixed inter-message delay, reporting progress as it goes.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"wabatch/internal/identity"
	"wabatch/internal/message"
	"wabatch/internal/progress"
	"wabatch/internal/transport"
	logx "wabatch/pkg/logx"
)

// DefaultDelay is the pause between the end of one send and the start of
// the next within a batch.
const DefaultDelay = 10 * time.Second

// SendTimeout bounds a single send. Canceling a batch does not interrupt the
// send in flight, so this is the only limit on it.
const SendTimeout = 2 * time.Minute

type Engine struct {
	pub   progress.Publisher
	log   logx.Logger
	delay atomic.Int64
}

func NewEngine(delay time.Duration, pub progress.Publisher, log logx.Logger) *Engine {
	if pub == nil {
		pub = progress.Discard{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{pub: pub, log: log.With(logx.String("comp", "dispatch"))}
	e.SetDelay(delay)
	return e
}

// SetDelay changes the inter-message delay for batches started afterwards.
// Zero disables the wait.
func (e *Engine) SetDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.delay.Store(int64(d))
}

func (e *Engine) Delay() time.Duration { return time.Duration(e.delay.Load()) }

// pause waits d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) send(ctx context.Context, h transport.Handle, addr string, p transport.Payload) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SendTimeout)
	defer cancel()
	return h.Send(sctx, addr, p)
}

// SendBatch sends job.Spec to every recipient in order, pausing for the
// engine delay after each send except the last. Per-recipient failures are
// counted and never stop the loop. A panic or a canceled ctx returns a
// *BatchError carrying the partial summary; cancellation is observed between
// recipients, never inside a send.
//
// The handle must be connected; the caller checks that through the registry.
func (e *Engine) SendBatch(ctx context.Context, job Job, h transport.Handle) (sum Summary, err error) {
	start := time.Now()
	log := e.log.With(logx.Identity(job.Identity), logx.Job(job.ID))

	addrs := make([]string, len(job.Recipients))
	for i, r := range job.Recipients {
		addrs[i] = identity.Address(r)
	}
	sum.Total = len(addrs)

	emit := func() {
		c := sum.Counts()
		e.pub.Publish(progress.Snapshot(job.Identity, job.ID, c))
		if job.OnProgress != nil {
			job.OnProgress(c)
		}
	}
	status := func(format string, args ...any) {
		e.pub.Publish(progress.Status(job.Identity, job.ID, fmt.Sprintf(format, args...)))
	}
	fault := func(cause error) error {
		sum.Duration = time.Since(start)
		status("Sending failed: %v. Successful: %d, Failed: %d", cause, sum.Successful, sum.Failed)
		e.pub.Publish(progress.Summary(job.Identity, job.ID, sum.Counts(), cause))
		log.Error("batch aborted", logx.Err(cause), logx.Counts(sum.Total, sum.Successful, sum.Failed))
		return &BatchError{Summary: sum, Err: cause}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("batch panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fault(fmt.Errorf("panic: %v", r))
		}
	}()

	log.Info("batch started", logx.Int("total", sum.Total), logx.String("variant", string(job.Spec.Variant)))
	status("Message sending started to %d numbers.", sum.Total)
	emit()

	payload := message.Build(job.Spec)
	delay := e.Delay()

	for i, addr := range addrs {
		if i > 0 {
			if werr := pause(ctx, delay); werr != nil {
				err = fault(werr)
				return sum, err
			}
		}
		if cerr := ctx.Err(); cerr != nil {
			err = fault(cerr)
			return sum, err
		}

		var sendErr error
		if addr == "" {
			sendErr = fmt.Errorf("%w: %q", ErrInvalidAddr, job.Recipients[i])
		} else {
			sendErr = e.send(ctx, h, addr, payload)
		}

		target := addr
		if target == "" {
			target = job.Recipients[i]
		}
		if sendErr != nil {
			sum.Failed++
			if len(sum.Failures) < maxFailures {
				sum.Failures = append(sum.Failures, Failure{Recipient: target, Error: sendErr.Error()})
			}
			log.Warn("send failed", logx.Recipient(target), logx.Err(sendErr))
			status("Failed to send to %s: %v", target, sendErr)
		} else {
			sum.Successful++
			log.Debug("sent", logx.Recipient(target))
			status("Message sent to %s", target)
		}
		emit()
	}

	sum.Duration = time.Since(start)
	status("All messages processed. Successful: %d, Failed: %d", sum.Successful, sum.Failed)
	e.pub.Publish(progress.Summary(job.Identity, job.ID, sum.Counts(), nil))

	fields := []logx.Field{
		logx.Counts(sum.Total, sum.Successful, sum.Failed),
		logx.Duration("dur", sum.Duration),
	}
	if sum.Failed > 0 {
		log.Warn("batch finished with failures", fields...)
	} else {
		log.Info("batch finished", fields...)
	}
	return sum, nil
}
