package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"wabatch/internal/authstate"
	"wabatch/internal/identity"
	"wabatch/internal/progress"
	"wabatch/internal/runtime/supervisor"
	"wabatch/internal/transport"
	logx "wabatch/pkg/logx"
)

type Deps struct {
	Store      authstate.Store
	Factory    transport.Factory
	Progress   progress.Publisher
	Supervisor *supervisor.Supervisor
	Log        logx.Logger
}

type Registry struct {
	store   authstate.Store
	factory transport.Factory
	pub     progress.Publisher
	sup     *supervisor.Supervisor
	log     logx.Logger

	cfgMu sync.RWMutex
	cfg   Config

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	sf singleflight.Group
}

type session struct {
	id string

	// opMu serializes open, pairing, reconnect and removal.
	opMu sync.Mutex
	// persistMu orders credential writes from the event loop against
	// removal and reopen. Lock order is opMu then persistMu; the event loop
	// takes persistMu alone.
	persistMu sync.Mutex

	mu         sync.Mutex
	handle     transport.Handle
	gen        uint64
	creds      *authstate.Credentials
	state      State
	since      time.Time
	lastReason string
	loggedOut  bool
	removed    bool
}

func NewRegistry(cfg Config, deps Deps) *Registry {
	def := DefaultConfig()
	if cfg.ReconnectDelay < 0 {
		cfg.ReconnectDelay = 0
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	pub := deps.Progress
	if pub == nil {
		pub = progress.Discard{}
	}
	sup := deps.Supervisor
	if sup == nil {
		sup = supervisor.New(context.Background(), supervisor.WithLogger(log))
	}
	return &Registry{
		store:    deps.Store,
		factory:  deps.Factory,
		pub:      pub,
		sup:      sup,
		log:      log.With(logx.String("comp", "session")),
		cfg:      cfg,
		sessions: map[string]*session{},
	}
}

// SetConfig swaps timing knobs at runtime. In-flight waits keep their old
// durations.
func (r *Registry) SetConfig(cfg Config) {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultConfig().PersistTimeout
	}
	r.cfgMu.Lock()
	r.cfg = cfg
	r.cfgMu.Unlock()
}

func (r *Registry) config() Config {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

func normalize(raw string) (string, error) {
	id := identity.Sanitize(raw)
	if id == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, raw)
	}
	return id, nil
}

func (r *Registry) lookup(id string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *Registry) getOrAdd(id string) (*session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrClosed
	}
	if s, ok := r.sessions[id]; ok {
		return s, false, nil
	}
	s := &session{id: id, state: Uninitialized, since: time.Now()}
	r.sessions[id] = s
	return s, true, nil
}

func (r *Registry) drop(s *session) {
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

// ResolveOrCreate returns a pairing code for identity, or "" if the identity
// is already paired. A missing session is created; a session without a live
// handle is reopened. Concurrent calls for one identity share a single
// attempt.
func (r *Registry) ResolveOrCreate(ctx context.Context, raw string) (string, error) {
	id, err := normalize(raw)
	if err != nil {
		return "", err
	}
	v, err, _ := r.sf.Do(id, func() (any, error) {
		return r.resolve(ctx, id)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Registry) resolve(ctx context.Context, id string) (string, error) {
	for {
		s, created, err := r.getOrAdd(id)
		if err != nil {
			return "", err
		}
		s.opMu.Lock()
		if s.isRemoved() {
			// Removed while we waited; retry against a fresh record.
			s.opMu.Unlock()
			continue
		}
		code, err := r.resolveLocked(ctx, s, created)
		s.opMu.Unlock()
		return code, err
	}
}

func (r *Registry) resolveLocked(ctx context.Context, s *session, created bool) (string, error) {
	s.mu.Lock()
	h, state, paired := s.handle, s.state, s.pairedLocked()
	s.mu.Unlock()

	if h != nil && paired {
		return "", nil
	}
	if h != nil && state != Disconnected {
		return r.pairingCode(ctx, s, h)
	}

	h, err := r.open(ctx, s)
	if err != nil {
		if created {
			r.drop(s)
		}
		return "", err
	}
	if h.IsRegistered() {
		return "", nil
	}
	if d := r.config().PairingDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return r.pairingCode(ctx, s, h)
}

func (r *Registry) pairingCode(ctx context.Context, s *session, h transport.Handle) (string, error) {
	code, err := h.RequestPairingCode(ctx, s.id)
	if err != nil {
		return "", fmt.Errorf("request pairing code for %s: %w", s.id, err)
	}
	r.log.Info("pairing code issued", logx.Identity(s.id))
	return code, nil
}

// open loads credentials, opens a new handle and starts its event loop.
// Caller holds s.opMu. Any previous handle is closed and becomes stale.
func (r *Registry) open(ctx context.Context, s *session) (transport.Handle, error) {
	s.persistMu.Lock()
	creds, err := r.store.Load(ctx, s.id)
	if err != nil {
		s.persistMu.Unlock()
		return nil, fmt.Errorf("load credentials for %s: %w", s.id, err)
	}

	s.mu.Lock()
	old := s.handle
	s.handle = nil
	s.gen++
	s.mu.Unlock()
	s.persistMu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	h, err := r.factory.Open(ctx, s.id, creds.Clone())
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(Disconnected)
		s.lastReason = err.Error()
		s.mu.Unlock()
		r.log.Warn("transport open failed", logx.Identity(s.id), logx.Err(err))
		return nil, fmt.Errorf("open transport for %s: %w", s.id, err)
	}

	s.mu.Lock()
	s.handle = h
	s.creds = creds
	s.loggedOut = false
	s.setStateLocked(Uninitialized)
	gen := s.gen
	s.mu.Unlock()

	r.log.Info("session opened", logx.Identity(s.id), logx.Bool("registered", creds.Registered))
	r.sup.Go0("session.events", func(ctx context.Context) {
		r.loop(ctx, s, h, gen)
	})
	return h, nil
}

func (r *Registry) loop(ctx context.Context, s *session, h transport.Handle, gen uint64) {
	events := h.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				// The stream ended without a close event: treat it as one.
				if r.current(s, gen) && r.stateOf(s) != Disconnected {
					r.onClose(s, h, gen, transport.Event{Kind: transport.EventClose, Reason: "event stream ended"})
				}
				return
			}
			switch e.Kind {
			case transport.EventOpen:
				r.onOpen(s, h, gen)
			case transport.EventCredentials:
				r.onCredentials(ctx, s, gen, e)
			case transport.EventClose:
				r.onClose(s, h, gen, e)
			}
		}
	}
}

func (r *Registry) current(s *session, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && !s.removed
}

func (r *Registry) stateOf(s *session) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (r *Registry) onOpen(s *session, h transport.Handle, gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.removed {
		s.mu.Unlock()
		return
	}
	next := AwaitingPairing
	if h.IsRegistered() || (s.creds != nil && s.creds.Registered) {
		next = Connected
	}
	s.setStateLocked(next)
	s.lastReason = ""
	s.mu.Unlock()

	r.log.Info("session connection open", logx.Identity(s.id), logx.String("state", string(next)))
	r.pub.Publish(progress.Connection(s.id, string(next), ""))
}

func (r *Registry) onCredentials(ctx context.Context, s *session, gen uint64, e transport.Event) {
	if e.Creds == nil {
		return
	}
	creds := e.Creds.Clone()
	creds.Identity = s.id
	creds.UpdatedAt = time.Time{}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if !r.current(s, gen) {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, r.config().PersistTimeout)
	err := r.store.Persist(pctx, creds)
	cancel()
	if err != nil {
		r.log.Error("persist credentials failed", logx.Identity(s.id), logx.Err(err))
	}

	s.mu.Lock()
	if s.gen != gen || s.removed {
		s.mu.Unlock()
		return
	}
	s.creds = creds
	promoted := creds.Registered && s.state == AwaitingPairing
	if promoted {
		s.setStateLocked(Connected)
	}
	s.mu.Unlock()

	if promoted {
		r.log.Info("session paired", logx.Identity(s.id))
		r.pub.Publish(progress.Connection(s.id, string(Connected), "paired"))
	}
}

func (r *Registry) onClose(s *session, h transport.Handle, gen uint64, e transport.Event) {
	s.mu.Lock()
	if s.gen != gen || s.removed {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(Disconnected)
	s.lastReason = e.Reason
	terminal := e.LoggedOut()
	var reset *authstate.Credentials
	if terminal {
		s.loggedOut = true
		s.handle = nil
		if s.creds == nil {
			s.creds = authstate.Blank(s.id)
		}
		s.creds.Reset()
		reset = s.creds.Clone()
	}
	s.mu.Unlock()

	_ = h.Close()
	r.pub.Publish(progress.Connection(s.id, string(Disconnected), e.Reason))

	if terminal {
		r.log.Warn("session logged out", logx.Identity(s.id), logx.String("reason", e.Reason))
		reset.UpdatedAt = time.Time{}
		ctx, cancel := context.WithTimeout(context.Background(), r.config().PersistTimeout)
		if err := r.store.Persist(ctx, reset); err != nil {
			r.log.Error("persist reset credentials failed", logx.Identity(s.id), logx.Err(err))
		}
		cancel()
		return
	}

	delay := r.config().ReconnectDelay
	r.log.Warn("session connection closed, reconnecting",
		logx.Identity(s.id),
		logx.String("reason", e.Reason),
		logx.Duration("delay", delay),
	)
	r.sup.After("session.reconnect", delay, func(ctx context.Context) error {
		return r.reconnect(ctx, s, gen)
	})
}

// reconnect reopens s if nothing else touched it since generation gen closed.
func (r *Registry) reconnect(ctx context.Context, s *session, gen uint64) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	stale := s.gen != gen || s.removed || s.state != Disconnected
	s.mu.Unlock()
	if stale {
		return nil
	}
	r.log.Info("reinitializing session", logx.Identity(s.id))
	if _, err := r.open(ctx, s); err != nil {
		return err
	}
	return nil
}

// RequestPairingCode issues a fresh code for an existing, unpaired session.
func (r *Registry) RequestPairingCode(ctx context.Context, raw string) (string, error) {
	id, err := normalize(raw)
	if err != nil {
		return "", err
	}
	s := r.lookup(id)
	if s == nil {
		return "", ErrNotInitialized
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	h, paired := s.handle, s.pairedLocked()
	s.mu.Unlock()
	if h == nil {
		return "", ErrNotInitialized
	}
	if paired {
		return "", ErrAlreadyPaired
	}
	return r.pairingCode(ctx, s, h)
}

// Status reports the session of identity. Unknown identities report a zero,
// uninitialized status.
func (r *Registry) Status(raw string) Status {
	id := identity.Sanitize(raw)
	s := r.lookup(id)
	if s == nil {
		return Status{Identity: id, State: Uninitialized}
	}
	return s.status()
}

func (s *session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Identity:    s.id,
		Initialized: s.handle != nil,
		Connected:   s.state == Connected,
		Paired:      s.pairedLocked(),
		State:       s.state,
		LastReason:  s.lastReason,
		LoggedOut:   s.loggedOut,
		Since:       s.since,
	}
}

// List returns the status of every known session, sorted by identity.
func (r *Registry) List() []Status {
	r.mu.Lock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(all))
	for _, s := range all {
		out = append(out, s.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// SendableHandle returns the live handle of a connected session. Jobs borrow
// the handle; they never close it.
func (r *Registry) SendableHandle(raw string) (transport.Handle, error) {
	id, err := normalize(raw)
	if err != nil {
		return nil, err
	}
	s := r.lookup(id)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil || s.state != Connected {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return s.handle, nil
}

// Remove tears down the session of identity. With purge the stored
// credentials are deleted as well; otherwise they are persisted as-is.
func (r *Registry) Remove(ctx context.Context, raw string, purge bool) error {
	id, err := normalize(raw)
	if err != nil {
		return err
	}
	s := r.lookup(id)
	if s != nil {
		s.opMu.Lock()
		s.mu.Lock()
		s.removed = true
		h := s.handle
		s.handle = nil
		s.setStateLocked(Uninitialized)
		s.mu.Unlock()
		if h != nil {
			_ = h.Close()
		}
		r.drop(s)
		s.opMu.Unlock()

		// Waits out a credential write already in flight; later ones see
		// removed and skip.
		s.persistMu.Lock()
		defer s.persistMu.Unlock()
		s.mu.Lock()
		creds := s.creds
		s.mu.Unlock()
		if !purge && creds != nil {
			cp := creds.Clone()
			cp.UpdatedAt = time.Time{}
			if err := r.store.Persist(ctx, cp); err != nil {
				return fmt.Errorf("persist credentials for %s: %w", id, err)
			}
		}
	}
	if purge {
		if err := r.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete credentials for %s: %w", id, err)
		}
	}
	if s == nil && !purge {
		return ErrNotInitialized
	}
	r.log.Info("session removed", logx.Identity(id), logx.Bool("purge", purge))
	r.pub.Publish(progress.Connection(id, string(Uninitialized), "removed"))
	return nil
}

// Restore reopens every stored identity whose credentials are registered.
// Unregistered leftovers are skipped: they need an operator to pair them.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	ids, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stored identities: %w", err)
	}
	restored := 0
	var errs []error
	for _, id := range ids {
		creds, err := r.store.Load(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !creds.Registered {
			continue
		}
		if _, err := r.ResolveOrCreate(ctx, id); err != nil {
			r.log.Warn("restore session failed", logx.Identity(id), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		restored++
	}
	return restored, errors.Join(errs...)
}

// Close tears down every handle without touching stored credentials. The
// registry rejects new sessions afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = map[string]*session{}
	r.mu.Unlock()

	for _, s := range all {
		s.mu.Lock()
		s.removed = true
		h := s.handle
		s.handle = nil
		s.mu.Unlock()
		if h != nil {
			_ = h.Close()
		}
	}
	return nil
}

func (s *session) isRemoved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

func (s *session) pairedLocked() bool {
	if s.creds != nil && s.creds.Registered {
		return true
	}
	return s.handle != nil && s.handle.IsRegistered()
}

func (s *session) setStateLocked(st State) {
	if s.state != st {
		s.state = st
		s.since = time.Now()
	}
}
