package authstate

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("authstate: credentials not found")
	ErrInvalidIdentity = errors.New("authstate: identity is required")
	ErrClosed          = errors.New("authstate: store closed")
)

// Credentials is the opaque key material of one identity. The transport owns
// the meaning of Creds and Keys; the store only round-trips them.
type Credentials struct {
	Identity   string            `json:"identity" bson:"_id"`
	Registered bool              `json:"registered" bson:"registered"`
	Creds      []byte            `json:"creds,omitempty" bson:"creds,omitempty"`
	Keys       map[string][]byte `json:"keys,omitempty" bson:"keys,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at" bson:"updated_at"`
}

// Blank returns fresh, unregistered credentials for identity.
func Blank(identity string) *Credentials {
	return &Credentials{Identity: identity}
}

// Clone returns a deep copy.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Creds != nil {
		cp.Creds = append([]byte(nil), c.Creds...)
	}
	if c.Keys != nil {
		cp.Keys = make(map[string][]byte, len(c.Keys))
		for k, v := range c.Keys {
			cp.Keys[k] = append([]byte(nil), v...)
		}
	}
	return &cp
}

// Reset wipes key material and marks the credentials unregistered.
func (c *Credentials) Reset() {
	c.Registered = false
	c.Creds = nil
	c.Keys = nil
}

// Store is the persistence API used by the session registry.
type Store interface {
	// Load returns the stored credentials or fresh blank ones if none exist.
	Load(ctx context.Context, identity string) (*Credentials, error)
	Persist(ctx context.Context, c *Credentials) error
	Delete(ctx context.Context, identity string) error
	// List returns every stored identity, sorted.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Config configures the store.
type Config struct {
	Driver string

	// file / sqlite
	Path        string
	BusyTimeout time.Duration

	// mongo
	URI        string
	Database   string
	Collection string

	// redis
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	// OpTimeout bounds each remote operation (mongo, redis). 0 means 10s.
	OpTimeout time.Duration
}

func (c Config) opTimeout() time.Duration {
	if c.OpTimeout > 0 {
		return c.OpTimeout
	}
	return 10 * time.Second
}

func checkIdentity(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrInvalidIdentity
	}
	return id, nil
}

func stamp(c *Credentials) (*Credentials, error) {
	if c == nil {
		return nil, ErrInvalidIdentity
	}
	id, err := checkIdentity(c.Identity)
	if err != nil {
		return nil, err
	}
	cp := c.Clone()
	cp.Identity = id
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	return cp, nil
}
