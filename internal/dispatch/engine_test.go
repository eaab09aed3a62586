package dispatch

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"wabatch/internal/message"
	"wabatch/internal/progress"
	logx "wabatch/pkg/logx"
)

func countsOf(events []progress.Event) []progress.Counts {
	var out []progress.Counts
	for _, e := range events {
		if e.Kind == progress.KindCounts {
			out = append(out, *e.Counts)
		}
	}
	return out
}

func statusesOf(events []progress.Event) []string {
	var out []string
	for _, e := range events {
		if e.Kind == progress.KindStatus {
			out = append(out, e.Text)
		}
	}
	return out
}

func simpleJob(recipients ...string) Job {
	return Job{ID: "job-1", Identity: "628", Recipients: recipients, Spec: message.Spec{Variant: message.Simple, Text: "hi"}}
}

func TestSecondOfThreeFails(t *testing.T) {
	rec := &progress.Recorder{}
	e := NewEngine(0, rec, logx.Nop())
	h := &fakeHandle{fail: map[string]bool{"2@s.whatsapp.net": true}}

	sum, err := e.SendBatch(context.Background(), simpleJob("1", "2", "3"), h)
	if err != nil {
		t.Fatalf("send batch: %v", err)
	}
	if sum.Total != 3 || sum.Successful != 2 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(sum.Failures) != 1 || sum.Failures[0].Recipient != "2@s.whatsapp.net" {
		t.Fatalf("failures = %+v", sum.Failures)
	}

	want := []progress.Counts{
		{Total: 3},
		{Total: 3, Successful: 1},
		{Total: 3, Successful: 1, Failed: 1},
		{Total: 3, Successful: 2, Failed: 1},
	}
	if got := countsOf(rec.Events()); !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshots = %+v, want %+v", got, want)
	}

	st := statusesOf(rec.Events())
	if len(st) != 5 {
		t.Fatalf("statuses = %q", st)
	}
	if st[0] != "Message sending started to 3 numbers." {
		t.Fatalf("first status = %q", st[0])
	}
	if st[1] != "Message sent to 1@s.whatsapp.net" || !strings.HasPrefix(st[2], "Failed to send to 2@s.whatsapp.net: ") {
		t.Fatalf("per-recipient statuses = %q", st[1:3])
	}
	if st[4] != "All messages processed. Successful: 2, Failed: 1" {
		t.Fatalf("final status = %q", st[4])
	}

	events := rec.Events()
	if last := events[len(events)-1]; last.Kind != progress.KindSummary || last.Err != "" {
		t.Fatalf("last event = %+v", last)
	}
	if got := h.Sent(); !reflect.DeepEqual(got, []string{"1@s.whatsapp.net", "2@s.whatsapp.net", "3@s.whatsapp.net"}) {
		t.Fatalf("send order = %v", got)
	}
}

func TestEmptyListEmitsNoPerRecipientEvents(t *testing.T) {
	rec := &progress.Recorder{}
	e := NewEngine(0, rec, logx.Nop())
	h := &fakeHandle{}

	sum, err := e.SendBatch(context.Background(), simpleJob(), h)
	if err != nil {
		t.Fatalf("send batch: %v", err)
	}
	if sum.Total != 0 || sum.Successful != 0 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := countsOf(rec.Events()); !reflect.DeepEqual(got, []progress.Counts{{}}) {
		t.Fatalf("snapshots = %+v", got)
	}
	if got := statusesOf(rec.Events()); len(got) != 2 {
		t.Fatalf("statuses = %q", got)
	}
	if len(h.Sent()) != 0 {
		t.Fatalf("unexpected sends")
	}
}

func TestOutcomesAlwaysAddUpToTotal(t *testing.T) {
	h := &fakeHandle{fail: map[string]bool{"62999@s.whatsapp.net": true}}
	e := NewEngine(0, nil, logx.Nop())

	recipients := []string{"+62 111", "62111", "no digits", "62999", "62-222"}
	sum, err := e.SendBatch(context.Background(), simpleJob(recipients...), h)
	if err != nil {
		t.Fatalf("send batch: %v", err)
	}
	if sum.Successful+sum.Failed != len(recipients) || sum.Total != len(recipients) {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Failed != 2 {
		t.Fatalf("failed = %d, want invalid + rejected", sum.Failed)
	}
	want := []string{"62111@s.whatsapp.net", "62111@s.whatsapp.net", "62999@s.whatsapp.net", "62222@s.whatsapp.net"}
	if got := h.Sent(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent = %v", got)
	}
}

func TestCancellationStopsBetweenRecipients(t *testing.T) {
	rec := &progress.Recorder{}
	e := NewEngine(time.Hour, rec, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := &fakeHandle{onSend: func(string) { cancel() }}

	sum, err := e.SendBatch(ctx, simpleJob("1", "2", "3"), h)
	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *BatchError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err should wrap context.Canceled: %v", err)
	}
	if be.Summary.Total != 3 || be.Summary.Successful != 1 || be.Summary.Failed != 0 {
		t.Fatalf("partial summary = %+v", be.Summary)
	}
	if sum.Successful != 1 {
		t.Fatalf("returned summary = %+v", sum)
	}
	st := statusesOf(rec.Events())
	if !strings.HasPrefix(st[len(st)-1], "Sending failed: ") {
		t.Fatalf("last status = %q", st[len(st)-1])
	}
}

func TestCancelDuringSendLetsItFinish(t *testing.T) {
	e := NewEngine(0, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := &fakeHandle{slow: 200 * time.Millisecond}
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := e.SendBatch(ctx, simpleJob("1", "2"), h)
	var be *BatchError
	if !errors.As(err, &be) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if be.Summary.Successful != 1 || be.Summary.Failed != 0 {
		t.Fatalf("send in flight should complete: %+v", be.Summary)
	}
	if got := h.Sent(); !reflect.DeepEqual(got, []string{"1"}) {
		t.Fatalf("sent = %v", got)
	}
}

func TestPanicBecomesBatchError(t *testing.T) {
	e := NewEngine(0, nil, logx.Nop())
	calls := 0
	h := &fakeHandle{onSend: func(string) {
		calls++
		if calls == 2 {
			panic("transport exploded")
		}
	}}

	sum, err := e.SendBatch(context.Background(), simpleJob("1", "2", "3"), h)
	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v", err)
	}
	if be.Summary.Successful != 1 || be.Summary.Total != 3 {
		t.Fatalf("partial = %+v", be.Summary)
	}
	if sum.Successful != 1 {
		t.Fatalf("named summary = %+v", sum)
	}
}

func TestDelayIsAppliedBetweenSends(t *testing.T) {
	e := NewEngine(25*time.Millisecond, nil, logx.Nop())
	h := &fakeHandle{}
	start := time.Now()
	if _, err := e.SendBatch(context.Background(), simpleJob("1", "2", "3"), h); err != nil {
		t.Fatalf("send batch: %v", err)
	}
	if d := time.Since(start); d < 45*time.Millisecond {
		t.Fatalf("three sends took %v, want at least two delays", d)
	}
}

func TestDelayRunsFromEndOfPreviousSend(t *testing.T) {
	e := NewEngine(40*time.Millisecond, nil, logx.Nop())
	h := &fakeHandle{slow: 40 * time.Millisecond}
	start := time.Now()
	if _, err := e.SendBatch(context.Background(), simpleJob("1", "2"), h); err != nil {
		t.Fatalf("send batch: %v", err)
	}
	// send, full pause, send
	if d := time.Since(start); d < 115*time.Millisecond {
		t.Fatalf("two slow sends took %v, pause overlapped the first send", d)
	}
}

func TestNoDelayAfterLastRecipient(t *testing.T) {
	e := NewEngine(time.Hour, nil, logx.Nop())
	start := time.Now()
	if _, err := e.SendBatch(context.Background(), simpleJob("1"), &fakeHandle{}); err != nil {
		t.Fatalf("send batch: %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("single send took %v", d)
	}
}
