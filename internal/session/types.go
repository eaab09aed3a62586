package session

import (
	"errors"
	"time"
)

var (
	ErrInvalidIdentity = errors.New("session: invalid identity")
	ErrNotInitialized  = errors.New("session: not initialized")
	ErrNotConnected    = errors.New("session: not connected")
	ErrAlreadyPaired   = errors.New("session: already paired")
	ErrClosed          = errors.New("session: registry closed")
)

type State string

const (
	Uninitialized   State = "uninitialized"
	AwaitingPairing State = "awaiting_pairing"
	Connected       State = "connected"
	Disconnected    State = "disconnected"
)

// Config holds the reloadable timing knobs of the registry.
type Config struct {
	// ReconnectDelay is the flat wait between a non-terminal close and the
	// reinitialization attempt.
	ReconnectDelay time.Duration
	// PairingDelay is how long a freshly opened, unregistered handle is given
	// to settle before a pairing code is requested.
	PairingDelay time.Duration
	// PersistTimeout bounds credential writes made from the event loop.
	PersistTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReconnectDelay: 5 * time.Second,
		PairingDelay:   1500 * time.Millisecond,
		PersistTimeout: 10 * time.Second,
	}
}

// Status is a point-in-time view of one session.
type Status struct {
	Identity    string    `json:"identity"`
	Initialized bool      `json:"initialized"`
	Connected   bool      `json:"connected"`
	Paired      bool      `json:"paired"`
	State       State     `json:"state"`
	LastReason  string    `json:"last_reason,omitempty"`
	LoggedOut   bool      `json:"logged_out,omitempty"`
	Since       time.Time `json:"since,omitempty"`
}
