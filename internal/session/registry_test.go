package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wabatch/internal/authstate"
	"wabatch/internal/progress"
	"wabatch/internal/runtime/supervisor"
	"wabatch/internal/transport"
	"wabatch/internal/transport/loopback"
	logx "wabatch/pkg/logx"
)

type countingFactory struct {
	inner transport.Factory
	opens atomic.Int32
	fail  atomic.Bool
}

func (f *countingFactory) Open(ctx context.Context, id string, creds *authstate.Credentials) (transport.Handle, error) {
	f.opens.Add(1)
	if f.fail.Load() {
		return nil, errors.New("dial failed")
	}
	return f.inner.Open(ctx, id, creds)
}

type fixture struct {
	reg      *Registry
	store    authstate.Store
	loop     *loopback.Factory
	factory  *countingFactory
	recorder *progress.Recorder
}

func newFixture(t *testing.T, pairAfter time.Duration) *fixture {
	return newFixtureWithStore(t, pairAfter, authstate.NewMemory())
}

func newFixtureWithStore(t *testing.T, pairAfter time.Duration, store authstate.Store) *fixture {
	t.Helper()
	sup := supervisor.New(context.Background(), supervisor.WithLogger(logx.Nop()))
	lb := loopback.New(loopback.Config{PairAfter: pairAfter}, logx.Nop())
	fx := &fixture{
		store:    store,
		loop:     lb,
		factory:  &countingFactory{inner: lb},
		recorder: &progress.Recorder{},
	}
	fx.reg = NewRegistry(Config{ReconnectDelay: 10 * time.Millisecond}, Deps{
		Store:      fx.store,
		Factory:    fx.factory,
		Progress:   fx.recorder,
		Supervisor: sup,
		Log:        logx.Nop(),
	})
	t.Cleanup(func() {
		_ = fx.reg.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	return fx
}

func (fx *fixture) seedRegistered(t *testing.T, id string) {
	t.Helper()
	if err := fx.store.Persist(context.Background(), &authstate.Credentials{Identity: id, Registered: true, Creds: []byte("k")}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func waitState(t *testing.T, r *Registry, id string, want State) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := r.Status(id)
		if st.State == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("state of %s = %s, want %s", id, st.State, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestConcurrentResolveOpensOneHandle(t *testing.T) {
	fx := newFixture(t, 0)
	fx.reg.SetConfig(Config{ReconnectDelay: 10 * time.Millisecond, PairingDelay: 30 * time.Millisecond})

	var wg sync.WaitGroup
	codes := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i], errs[i] = fx.reg.ResolveOrCreate(context.Background(), "+62 811-000")
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if codes[i] == "" {
			t.Fatalf("call %d: expected a pairing code", i)
		}
	}
	if n := fx.factory.opens.Load(); n != 1 {
		t.Fatalf("opened %d handles, want 1", n)
	}
	waitState(t, fx.reg, "62811000", AwaitingPairing)
}

func TestResolveOnPairedIdentityIsIdempotent(t *testing.T) {
	fx := newFixture(t, 0)
	fx.seedRegistered(t, "628")

	code, err := fx.reg.ResolveOrCreate(context.Background(), "628")
	if err != nil || code != "" {
		t.Fatalf("first resolve = %q, %v", code, err)
	}
	before := waitState(t, fx.reg, "628", Connected)

	code, err = fx.reg.ResolveOrCreate(context.Background(), "628")
	if err != nil || code != "" {
		t.Fatalf("second resolve = %q, %v", code, err)
	}
	after := fx.reg.Status("628")
	if after.State != Connected || !after.Since.Equal(before.Since) {
		t.Fatalf("state changed: before=%+v after=%+v", before, after)
	}
	if n := fx.factory.opens.Load(); n != 1 {
		t.Fatalf("opens = %d", n)
	}
}

func TestPairingPromotesAndPersists(t *testing.T) {
	fx := newFixture(t, 15*time.Millisecond)

	code, err := fx.reg.ResolveOrCreate(context.Background(), "628")
	if err != nil || code == "" {
		t.Fatalf("resolve = %q, %v", code, err)
	}
	st := waitState(t, fx.reg, "628", Connected)
	if !st.Paired || !st.Initialized {
		t.Fatalf("status = %+v", st)
	}
	creds, err := fx.store.Load(context.Background(), "628")
	if err != nil || !creds.Registered {
		t.Fatalf("stored creds = %+v, %v", creds, err)
	}
	if _, err := fx.reg.RequestPairingCode(context.Background(), "628"); !errors.Is(err, ErrAlreadyPaired) {
		t.Fatalf("pairing after paired err = %v", err)
	}
}

func TestLoggedOutIsTerminal(t *testing.T) {
	fx := newFixture(t, 0)
	fx.seedRegistered(t, "628")
	if _, err := fx.reg.ResolveOrCreate(context.Background(), "628"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	waitState(t, fx.reg, "628", Connected)

	fx.loop.Handle("628").Drop("Connection Failure: Logged Out")
	waitState(t, fx.reg, "628", Disconnected)

	time.Sleep(80 * time.Millisecond)
	st := fx.reg.Status("628")
	if st.State != Disconnected || st.Paired || !st.LoggedOut || st.Initialized {
		t.Fatalf("status after logout = %+v", st)
	}
	if n := fx.factory.opens.Load(); n != 1 {
		t.Fatalf("logout must not reconnect, opens = %d", n)
	}
	creds, _ := fx.store.Load(context.Background(), "628")
	if creds.Registered || creds.Creds != nil {
		t.Fatalf("credentials not reset: %+v", creds)
	}
	if _, err := fx.reg.SendableHandle("628"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("sendable after logout err = %v", err)
	}

	code, err := fx.reg.ResolveOrCreate(context.Background(), "628")
	if err != nil || code == "" {
		t.Fatalf("manual re-pair = %q, %v", code, err)
	}
	if n := fx.factory.opens.Load(); n != 2 {
		t.Fatalf("opens after re-pair = %d", n)
	}
}

func TestTransientCloseReconnects(t *testing.T) {
	fx := newFixture(t, 0)
	fx.seedRegistered(t, "628")
	if _, err := fx.reg.ResolveOrCreate(context.Background(), "628"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	waitState(t, fx.reg, "628", Connected)

	fx.loop.Handle("628").Drop("Stream Errored (restart required)")

	deadline := time.Now().Add(2 * time.Second)
	for fx.factory.opens.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no reconnect attempt")
		}
		time.Sleep(2 * time.Millisecond)
	}
	waitState(t, fx.reg, "628", Connected)
	if _, err := fx.reg.SendableHandle("628"); err != nil {
		t.Fatalf("sendable after reconnect: %v", err)
	}

	var sawDisconnect bool
	for _, e := range fx.recorder.Events() {
		if e.Kind == progress.KindConnection && e.State == string(Disconnected) {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Fatalf("no disconnect event published")
	}
}

func TestFailedReconnectWaitsForManualPairing(t *testing.T) {
	fx := newFixture(t, 0)
	fx.seedRegistered(t, "628")
	if _, err := fx.reg.ResolveOrCreate(context.Background(), "628"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	waitState(t, fx.reg, "628", Connected)

	fx.factory.fail.Store(true)
	fx.loop.Handle("628").Drop("connection reset")

	deadline := time.Now().Add(2 * time.Second)
	for fx.factory.opens.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no reconnect attempt")
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(60 * time.Millisecond)
	if n := fx.factory.opens.Load(); n != 2 {
		t.Fatalf("failed reconnect must not retry, opens = %d", n)
	}
	if st := fx.reg.Status("628"); st.State != Disconnected || st.Initialized {
		t.Fatalf("status = %+v", st)
	}

	fx.factory.fail.Store(false)
	code, err := fx.reg.ResolveOrCreate(context.Background(), "628")
	if err != nil || code != "" {
		t.Fatalf("manual revive = %q, %v", code, err)
	}
	waitState(t, fx.reg, "628", Connected)
}

func TestRequestPairingCodeRequiresSession(t *testing.T) {
	fx := newFixture(t, 0)
	if _, err := fx.reg.RequestPairingCode(context.Background(), "999"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v", err)
	}
	if _, err := fx.reg.ResolveOrCreate(context.Background(), "abc"); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("invalid identity err = %v", err)
	}

	if _, err := fx.reg.ResolveOrCreate(context.Background(), "999"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	code, err := fx.reg.RequestPairingCode(context.Background(), "999")
	if err != nil || code == "" {
		t.Fatalf("fresh code = %q, %v", code, err)
	}
}

func TestRemoveWithPurge(t *testing.T) {
	fx := newFixture(t, 0)
	fx.seedRegistered(t, "628")
	if _, err := fx.reg.ResolveOrCreate(context.Background(), "628"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	waitState(t, fx.reg, "628", Connected)

	if err := fx.reg.Remove(context.Background(), "628", true); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if st := fx.reg.Status("628"); st.Initialized || st.State != Uninitialized {
		t.Fatalf("status after remove = %+v", st)
	}
	ids, _ := fx.store.List(context.Background())
	if len(ids) != 0 {
		t.Fatalf("purge left credentials: %v", ids)
	}
	if err := fx.reg.Remove(context.Background(), "628", false); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("second remove err = %v", err)
	}
}

// gatedStore parks Persist of registered credentials until gate closes.
type gatedStore struct {
	authstate.Store
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedStore) Persist(ctx context.Context, c *authstate.Credentials) error {
	if c.Registered {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.gate
	}
	return g.Store.Persist(ctx, c)
}

func TestPurgeWinsOverPairingWriteInFlight(t *testing.T) {
	gs := &gatedStore{Store: authstate.NewMemory(), entered: make(chan struct{}, 1), gate: make(chan struct{})}
	fx := newFixtureWithStore(t, 10*time.Millisecond, gs)

	if _, err := fx.reg.ResolveOrCreate(context.Background(), "628"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	select {
	case <-gs.entered:
	case <-time.After(2 * time.Second):
		close(gs.gate)
		t.Fatal("pairing never persisted credentials")
	}

	removed := make(chan error, 1)
	go func() { removed <- fx.reg.Remove(context.Background(), "628", true) }()
	time.Sleep(30 * time.Millisecond)
	close(gs.gate)

	select {
	case err := <-removed:
		if err != nil {
			t.Fatalf("remove: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remove never returned")
	}
	ids, _ := gs.List(context.Background())
	if len(ids) != 0 {
		t.Fatalf("purged identity resurrected by pairing write: %v", ids)
	}
}

func TestRestoreReopensRegisteredOnly(t *testing.T) {
	fx := newFixture(t, 0)
	fx.seedRegistered(t, "111")
	fx.seedRegistered(t, "222")
	_ = fx.store.Persist(context.Background(), authstate.Blank("333"))

	n, err := fx.reg.Restore(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("restore = %d, %v", n, err)
	}
	waitState(t, fx.reg, "111", Connected)
	waitState(t, fx.reg, "222", Connected)
	if st := fx.reg.Status("333"); st.Initialized {
		t.Fatalf("unregistered identity restored: %+v", st)
	}
	if got := len(fx.reg.List()); got != 2 {
		t.Fatalf("list = %d", got)
	}
}
