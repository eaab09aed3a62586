package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"wabatch/internal/transport"
)

var errNotOnPlatform = errors.New("number not on platform")

type fakeHandle struct {
	mu     sync.Mutex
	sent   []string
	fail   map[string]bool
	onSend func(addr string)
	// slow makes every send take this long unless its ctx ends first.
	slow time.Duration
}

func (h *fakeHandle) Send(ctx context.Context, addr string, p transport.Payload) error {
	if h.onSend != nil {
		h.onSend(addr)
	}
	if h.slow > 0 {
		select {
		case <-time.After(h.slow):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, addr)
	if h.fail[addr] {
		return errNotOnPlatform
	}
	return nil
}

func (h *fakeHandle) Sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

func (h *fakeHandle) RequestPairingCode(context.Context, string) (string, error) { return "", nil }
func (h *fakeHandle) IsRegistered() bool                                          { return true }
func (h *fakeHandle) Events() <-chan transport.Event                              { return nil }
func (h *fakeHandle) Close() error                                                { return nil }

var errNotConnected = errors.New("not connected")

type fakeSessions struct {
	mu      sync.Mutex
	handles map[string]transport.Handle
	lookups int
}

func (f *fakeSessions) SendableHandle(id string) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if h, ok := f.handles[id]; ok {
		return h, nil
	}
	return nil, errNotConnected
}
