package transport

import (
	"context"
	"errors"
	"strings"

	"wabatch/internal/authstate"
)

var ErrClosed = errors.New("transport: handle closed")

// Media is a reference to remote media the transport fetches itself.
type Media struct {
	URL string `json:"url"`
}

// Button is an interactive native-flow button.
type Button struct {
	Name       string `json:"name"`
	ParamsJSON string `json:"buttonParamsJson"`
}

// Payload is the wire-ready message content handed to Handle.Send.
type Payload struct {
	Text     string   `json:"text,omitempty"`
	Caption  string   `json:"caption,omitempty"`
	Title    string   `json:"title,omitempty"`
	Subtitle string   `json:"subtitle,omitempty"`
	Footer   string   `json:"footer,omitempty"`
	Media    *Media   `json:"image,omitempty"`
	Buttons  []Button `json:"interactiveButtons,omitempty"`
	ViewOnce bool     `json:"viewOnce,omitempty"`
	Shop     string   `json:"shop,omitempty"`
	ShopID   string   `json:"id,omitempty"`
}

func (p Payload) HasMedia() bool { return p.Media != nil && p.Media.URL != "" }

type EventKind string

const (
	EventOpen        EventKind = "open"
	EventClose       EventKind = "close"
	EventCredentials EventKind = "credentials"
)

// Event is a connection notification emitted by a Handle.
type Event struct {
	Kind   EventKind
	Reason string // close only

	// Creds is set on EventCredentials. The receiver owns it.
	Creds *authstate.Credentials
}

// LoggedOut reports whether a close event is terminal: the remote side
// revoked the credentials and reconnecting would only fail again.
func (e Event) LoggedOut() bool {
	return e.Kind == EventClose && strings.Contains(strings.ToLower(e.Reason), "logged out")
}

// Handle is one live connection for one identity.
type Handle interface {
	Send(ctx context.Context, address string, p Payload) error
	RequestPairingCode(ctx context.Context, identity string) (string, error)
	IsRegistered() bool
	// Events is closed after Close or after the final close event.
	Events() <-chan Event
	Close() error
}

// Factory opens handles. The returned handle starts connecting immediately
// and reports the outcome through Events.
type Factory interface {
	Open(ctx context.Context, identity string, creds *authstate.Credentials) (Handle, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, identity string, creds *authstate.Credentials) (Handle, error)

func (f FactoryFunc) Open(ctx context.Context, identity string, creds *authstate.Credentials) (Handle, error) {
	return f(ctx, identity, creds)
}
