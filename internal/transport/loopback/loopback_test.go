package loopback

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"wabatch/internal/authstate"
	"wabatch/internal/transport"
	logx "wabatch/pkg/logx"
)

func nextEvent(t *testing.T, h transport.Handle) transport.Event {
	t.Helper()
	select {
	case e, ok := <-h.Events():
		if !ok {
			t.Fatalf("event stream closed")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("no event")
	}
	return transport.Event{}
}

func TestOpenEmitsOpenEvent(t *testing.T) {
	f := New(Config{}, logx.Nop())
	h, err := f.Open(context.Background(), "628", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()
	if e := nextEvent(t, h); e.Kind != transport.EventOpen {
		t.Fatalf("first event = %+v", e)
	}
	if h.IsRegistered() {
		t.Fatalf("blank creds should be unregistered")
	}
}

func TestPairingCompletesAfterWindow(t *testing.T) {
	f := New(Config{PairAfter: 20 * time.Millisecond}, logx.Nop())
	h, _ := f.Open(context.Background(), "628", authstate.Blank("628"))
	defer h.Close()
	_ = nextEvent(t, h)

	code, err := h.RequestPairingCode(context.Background(), "628")
	if err != nil {
		t.Fatalf("pairing code: %v", err)
	}
	if !regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}$`).MatchString(code) {
		t.Fatalf("code format = %q", code)
	}

	e := nextEvent(t, h)
	if e.Kind != transport.EventCredentials || e.Creds == nil || !e.Creds.Registered {
		t.Fatalf("expected registered credential update, got %+v", e)
	}
	if !h.IsRegistered() {
		t.Fatalf("handle should report registered")
	}
}

func TestSendRecordsAndRejects(t *testing.T) {
	f := New(Config{FailAddresses: []string{"62999"}}, logx.Nop())
	h, _ := f.Open(context.Background(), "628", nil)
	defer h.Close()

	if err := h.Send(context.Background(), "62111@s.whatsapp.net", transport.Payload{Text: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	err := h.Send(context.Background(), "62999@s.whatsapp.net", transport.Payload{Text: "hi"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	sent := f.Sent()
	if len(sent) != 1 || sent[0].Address != "62111@s.whatsapp.net" || sent[0].Payload.Text != "hi" {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestDropEmitsCloseAndEndsStream(t *testing.T) {
	f := New(Config{}, logx.Nop())
	h, _ := f.Open(context.Background(), "628", nil)
	_ = nextEvent(t, h)

	lh := f.Handle("628")
	if lh == nil {
		t.Fatalf("live handle not tracked")
	}
	lh.Drop("Connection Failure: logged out")

	e := nextEvent(t, h)
	if e.Kind != transport.EventClose || !e.LoggedOut() {
		t.Fatalf("close event = %+v", e)
	}
	if _, ok := <-h.Events(); ok {
		t.Fatalf("stream should be closed")
	}
	if err := h.Send(context.Background(), "1@s.whatsapp.net", transport.Payload{}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("send after drop err = %v", err)
	}
	if f.Handle("628") != nil {
		t.Fatalf("closed handle still tracked")
	}
}

func TestLoggedOutMatchesCaseInsensitively(t *testing.T) {
	cases := map[string]bool{
		"Logged Out":        true,
		"stream: logged out": true,
		"connection lost":   false,
		"":                  false,
	}
	for reason, want := range cases {
		e := transport.Event{Kind: transport.EventClose, Reason: reason}
		if got := e.LoggedOut(); got != want {
			t.Fatalf("LoggedOut(%q) = %v, want %v", reason, got, want)
		}
	}
	if (transport.Event{Kind: transport.EventOpen, Reason: "logged out"}).LoggedOut() {
		t.Fatalf("open events are never terminal")
	}
}
