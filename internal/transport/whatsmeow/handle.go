package whatsmeow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/expirable"
	wa "go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"wabatch/internal/authstate"
	"wabatch/internal/transport"
	logx "wabatch/pkg/logx"
)

// client is the part of *whatsmeow.Client a Handle drives.
type client interface {
	SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message, extra ...wa.SendRequestExtra) (wa.SendResponse, error)
	Upload(ctx context.Context, data []byte, mediaType wa.MediaType) (wa.UploadResponse, error)
	PairPhone(ctx context.Context, phone string, showPushNotification bool, clientType wa.PairClientType, clientDisplayName string) (string, error)
	Disconnect()
}

// Handle is one whatsmeow connection. It reports one open event, at most one
// close event, and ends its event stream after the close.
type Handle struct {
	identity   string
	deviceName string
	cli        client
	log        logx.Logger
	fetch      fetcher
	media      *expirable.LRU[string, *waE2E.ImageMessage]

	registered atomic.Bool

	mu     sync.Mutex
	opened bool
	done   bool
	events chan transport.Event
}

func newHandle(identity string, cli client, registered bool, f fetcher, deviceName string, log logx.Logger) *Handle {
	h := &Handle{
		identity:   identity,
		deviceName: deviceName,
		cli:        cli,
		log:        log,
		fetch:      f,
		media:      expirable.NewLRU[string, *waE2E.ImageMessage](mediaCacheSize, nil, mediaCacheTTL),
		events:     make(chan transport.Event, 32),
	}
	h.registered.Store(registered)
	return h
}

func (h *Handle) Events() <-chan transport.Event { return h.events }

func (h *Handle) IsRegistered() bool { return h.registered.Load() }

func (h *Handle) emit(e transport.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emitLocked(e)
}

func (h *Handle) emitLocked(e transport.Event) {
	if h.done {
		return
	}
	select {
	case h.events <- e:
	default:
		h.log.Warn("whatsmeow event dropped", logx.String("kind", string(e.Kind)))
	}
}

func (h *Handle) open() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.opened {
		return
	}
	h.opened = true
	h.emitLocked(transport.Event{Kind: transport.EventOpen})
}

// finish reports the close reason and ends the event stream.
func (h *Handle) finish(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	h.emitLocked(transport.Event{Kind: transport.EventClose, Reason: reason})
	h.done = true
	close(h.events)
}

func (h *Handle) closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// onEvent is registered with the client. whatsmeow calls it from its own
// goroutine, so it never blocks.
func (h *Handle) onEvent(evt any) {
	switch e := evt.(type) {
	case *events.QR:
		// Socket is up but the device is unpaired.
		h.open()
	case *events.Connected:
		h.open()
	case *events.PairSuccess:
		h.registered.Store(true)
		h.log.Info("device paired", logx.String("jid", e.ID.String()), logx.String("platform", e.Platform))
		h.emit(transport.Event{
			Kind: transport.EventCredentials,
			Creds: &authstate.Credentials{
				Identity:   h.identity,
				Registered: true,
				Creds:      []byte(e.ID.String()),
			},
		})
	case *events.PairError:
		h.log.Warn("pairing failed", logx.Err(e.Error))
	case *events.LoggedOut:
		h.registered.Store(false)
		h.finish(fmt.Sprintf("logged out: %v", e.Reason))
	case *events.StreamReplaced:
		h.finish("stream replaced by another connection")
	case *events.TemporaryBan:
		h.finish(fmt.Sprintf("temporary ban: %v", e))
	case *events.ClientOutdated:
		h.finish("client outdated")
	case *events.ConnectFailure:
		h.finish(fmt.Sprintf("connect failure: %v", e.Reason))
	case *events.Disconnected:
		h.finish("connection lost")
	}
}

func (h *Handle) RequestPairingCode(ctx context.Context, identity string) (string, error) {
	if h.closed() {
		return "", transport.ErrClosed
	}
	code, err := h.cli.PairPhone(ctx, identity, true, wa.PairClientChrome, h.deviceName)
	if err != nil {
		return "", err
	}
	h.log.Info("pairing code issued")
	return code, nil
}

func (h *Handle) Send(ctx context.Context, address string, p transport.Payload) error {
	if h.closed() {
		return transport.ErrClosed
	}
	to, err := types.ParseJID(address)
	if err != nil {
		return fmt.Errorf("parse address %q: %w", address, err)
	}
	var img *waE2E.ImageMessage
	if p.HasMedia() {
		if img, err = h.image(ctx, p.Media.URL); err != nil {
			return err
		}
	}
	resp, err := h.cli.SendMessage(ctx, to, buildMessage(p, img))
	if err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	h.log.Debug("whatsmeow send", logx.Recipient(address), logx.String("msg_id", string(resp.ID)))
	return nil
}

// Close disconnects the client and ends the event stream without a close
// event.
func (h *Handle) Close() error {
	h.mu.Lock()
	if !h.done {
		h.done = true
		close(h.events)
	}
	h.mu.Unlock()

	if h.cli != nil {
		h.cli.Disconnect()
	}
	return nil
}
