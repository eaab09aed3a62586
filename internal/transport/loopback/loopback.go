// Package loopback is a dry-run transport. It never touches the network:
// handles connect immediately, pairing codes are generated locally, and sent
// payloads are logged and recorded.
package loopback

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"wabatch/internal/authstate"
	"wabatch/internal/transport"
	logx "wabatch/pkg/logx"
)

var ErrRejected = errors.New("loopback: recipient rejected")

type Config struct {
	// PairAfter is how long after a pairing code is issued the handle marks
	// itself registered. Zero leaves pairing incomplete.
	PairAfter time.Duration
	// FailAddresses are rejected by Send. Entries may be bare numbers or full
	// addresses.
	FailAddresses []string
}

// Sent is one recorded outbound message.
type Sent struct {
	Identity string
	Address  string
	Payload  transport.Payload
	At       time.Time
}

type Factory struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	fail map[string]bool
	sent []Sent
	live map[string]*Handle
}

func New(cfg Config, log logx.Logger) *Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &Factory{cfg: cfg, log: log.With(logx.String("comp", "transport.loopback")), live: map[string]*Handle{}}
	f.SetFailAddresses(cfg.FailAddresses)
	return f
}

// SetFailAddresses replaces the reject list.
func (f *Factory) SetFailAddresses(addrs []string) {
	m := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		m[a] = true
		if i := strings.IndexByte(a, '@'); i > 0 {
			m[a[:i]] = true
		}
	}
	f.mu.Lock()
	f.fail = m
	f.mu.Unlock()
}

// Sent returns a copy of every recorded send across handles.
func (f *Factory) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// Handle returns the newest live handle for identity, if any.
func (f *Factory) Handle(identity string) *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[identity]
}

func (f *Factory) rejects(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[addr] {
		return true
	}
	if i := strings.IndexByte(addr, '@'); i > 0 {
		return f.fail[addr[:i]]
	}
	return false
}

func (f *Factory) record(s Sent) {
	f.mu.Lock()
	f.sent = append(f.sent, s)
	f.mu.Unlock()
}

func (f *Factory) Open(ctx context.Context, identity string, creds *authstate.Credentials) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if creds == nil {
		creds = authstate.Blank(identity)
	}
	h := &Handle{
		f:        f,
		identity: identity,
		creds:    creds.Clone(),
		events:   make(chan transport.Event, 16),
	}
	f.mu.Lock()
	f.live[identity] = h
	f.mu.Unlock()

	h.emit(transport.Event{Kind: transport.EventOpen})
	f.log.Info("loopback handle opened", logx.Identity(identity), logx.Bool("registered", creds.Registered))
	return h, nil
}

// Handle is a loopback connection.
type Handle struct {
	f        *Factory
	identity string

	mu     sync.Mutex
	creds  *authstate.Credentials
	closed bool
	timer  *time.Timer

	events chan transport.Event
}

func (h *Handle) Events() <-chan transport.Event { return h.events }

func (h *Handle) IsRegistered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.creds.Registered
}

func (h *Handle) emit(e transport.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- e:
	default:
		h.f.log.Warn("loopback event dropped", logx.Identity(h.identity), logx.String("kind", string(e.Kind)))
	}
}

func (h *Handle) RequestPairingCode(ctx context.Context, identity string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", transport.ErrClosed
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	if d := h.f.cfg.PairAfter; d > 0 {
		h.timer = time.AfterFunc(d, h.completePairing)
	}
	h.mu.Unlock()

	code, err := pairingCode()
	if err != nil {
		return "", err
	}
	h.f.log.Info("pairing code issued", logx.Identity(identity))
	return code, nil
}

// CompletePairing marks the handle registered and emits a credential update,
// as if the user had entered the code on their phone.
func (h *Handle) CompletePairing() { h.completePairing() }

func (h *Handle) completePairing() {
	h.mu.Lock()
	if h.closed || h.creds.Registered {
		h.mu.Unlock()
		return
	}
	h.creds.Registered = true
	h.creds.Creds = []byte("loopback:" + h.identity)
	cp := h.creds.Clone()
	h.mu.Unlock()

	h.emit(transport.Event{Kind: transport.EventCredentials, Creds: cp})
}

// Drop simulates a remote close with the given reason. The handle stops
// accepting sends and its event stream ends.
func (h *Handle) Drop(reason string) {
	h.emit(transport.Event{Kind: transport.EventClose, Reason: reason})
	_ = h.Close()
}

func (h *Handle) Send(ctx context.Context, address string, p transport.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if h.f.rejects(address) {
		return fmt.Errorf("%w: %s", ErrRejected, address)
	}
	h.f.record(Sent{Identity: h.identity, Address: address, Payload: p, At: time.Now()})
	h.f.log.Debug("loopback send",
		logx.Identity(h.identity),
		logx.String("to", address),
		logx.Bool("media", p.HasMedia()),
		logx.Int("buttons", len(p.Buttons)),
	)
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	if h.timer != nil {
		h.timer.Stop()
	}
	close(h.events)
	h.mu.Unlock()

	h.f.mu.Lock()
	if h.f.live[h.identity] == h {
		delete(h.f.live, h.identity)
	}
	h.f.mu.Unlock()
	return nil
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTVWXYZ0123456789"

// pairingCode returns an 8 character code formatted as XXXX-XXXX.
func pairingCode() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	out := make([]byte, 0, 9)
	for i, c := range b {
		if i == 4 {
			out = append(out, '-')
		}
		out = append(out, codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return string(out), nil
}
