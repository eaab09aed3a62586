// Package app wires the components together and owns the process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"wabatch/internal/api"
	"wabatch/internal/authstate"
	"wabatch/internal/config"
	"wabatch/internal/directory"
	"wabatch/internal/dispatch"
	"wabatch/internal/housekeeping"
	"wabatch/internal/notify"
	"wabatch/internal/observability/pprof"
	"wabatch/internal/progress"
	"wabatch/internal/runtime/supervisor"
	"wabatch/internal/session"
	"wabatch/internal/transport"
	"wabatch/internal/transport/loopback"
	wmeow "wabatch/internal/transport/whatsmeow"
	logx "wabatch/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store     authstate.Store
	dir       directory.Directory
	bus       *progress.Bus
	// Exactly one of loop and live is set, per transport.driver.
	loop *loopback.Factory
	live *wmeow.Factory

	sessions *session.Registry
	engine   *dispatch.Engine
	dispatch *dispatch.Service
	notif    *notify.Service
	hk       *housekeeping.Service
	hkOn     atomic.Bool

	api        *api.Server
	http       *http.Server
	ln         net.Listener
	shutdownTO time.Duration
	restore    bool
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	r, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Debug.PprofEnabled {
		if err := pprofConfig(cfg).Check(); err != nil {
			return nil, err
		}
	}

	logSvc, root := logx.New(loggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root)

	sup := supervisor.New(context.Background(),
		supervisor.WithLogger(root.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	store, err := authstate.Open(authStateConfig(cfg, r), root)
	if err != nil {
		return nil, fmt.Errorf("open auth state: %w", err)
	}
	dir, err := directory.Open(directoryConfig(cfg, r), root)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open directory: %w", err)
	}

	bus := progress.New()
	var (
		factory transport.Factory
		loop    *loopback.Factory
		live    *wmeow.Factory
	)
	if isWhatsmeow(cfg) {
		live = wmeow.New(whatsmeowConfig(cfg, r), root)
		factory = live
	} else {
		loop = loopback.New(loopbackConfig(cfg, r), root)
		factory = loop
	}
	sessions := session.NewRegistry(sessionConfig(r), session.Deps{
		Store:      store,
		Factory:    factory,
		Progress:   bus,
		Supervisor: sup,
		Log:        root,
	})
	engine := dispatch.NewEngine(r.MessageDelay, bus, root)
	svc := dispatch.NewService(dispatchConfig(cfg, r), engine, sessions, sup, root)

	a := &App{
		cfgm:       cfgm,
		sup:        sup,
		log:        log,
		logs:       logSvc,
		store:      store,
		dir:        dir,
		loop:       loop,
		live:       live,
		bus:        bus,
		sessions:   sessions,
		engine:     engine,
		dispatch:   svc,
		shutdownTO: r.HTTPShutdownTimeout,
		restore:    cfg.Sessions.RestoreOnStart,
	}

	if tg := cfg.Notify.Telegram; tg.Enabled {
		sender, err := notify.NewTelegram(tg.Token, tg.ChatID, tg.ThreadID)
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("telegram notify: %w", err)
		}
		a.notif = notify.New(notifyConfig(cfg), sender, root)
	}

	tasks := housekeeping.Tasks{Prune: svc.Prune, Sessions: sessions.List}
	if a.notif != nil {
		tasks.Report = a.notif.Notify
	}
	a.hk = housekeeping.New(housekeepingConfig(cfg), tasks, root)
	a.hkOn.Store(cfg.Housekeeping.Enabled)

	srv := api.New(api.Deps{
		Sessions:  sessions,
		Dispatch:  svc,
		Directory: dir,
		Progress:  bus,
		Health:    a.health,
		Log:       root,
	}, r.SyncSendTimeout)
	a.api = srv
	a.http = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: r.HTTPReadTimeout,
		ReadTimeout:       r.HTTPReadTimeout,
		WriteTimeout:      r.HTTPWriteTimeout,
	}
	if a.http.Addr == "" {
		a.http.Addr = ":3000"
	}
	return a, nil
}

// Done is closed when the app supervisor is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error { return a.sup.Err() }

// Addr returns the bound listener address once Start has run.
func (a *App) Addr() string {
	if a.ln == nil {
		return a.http.Addr
	}
	return a.ln.Addr().String()
}

func (a *App) Start(ctx context.Context) error {
	context.AfterFunc(ctx, a.sup.Cancel)

	ln, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.http.Addr, err)
	}
	a.ln = ln
	a.sup.Go("http.serve", func(context.Context) error {
		if err := a.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if a.restore {
		a.sup.Go0("session.restore", func(c context.Context) {
			n, err := a.sessions.Restore(c)
			if err != nil {
				a.log.Warn("session restore incomplete", logx.Int("restored", n), logx.Err(err))
				return
			}
			a.log.Info("sessions restored", logx.Int("count", n))
		})
	}

	if a.notif != nil {
		a.sup.GoRestart("notify.relay", func(c context.Context) error {
			return a.notif.Run(c, a.bus)
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	if a.hkOn.Load() {
		if err := a.hk.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Debug.PprofEnabled {
		pc := pprofConfig(cfg)
		a.sup.GoRestart("debug.pprof", func(c context.Context) error {
			return pprof.Serve(c, pc, a.log.With(logx.String("task", "pprof")))
		}, supervisor.WithRestartBackoff(time.Second, time.Minute), supervisor.WithMaxRestarts(5))
	}

	a.sup.Go0("systemd.watchdog", a.watchdog)
	a.sdNotify(daemon.SdNotifyReady)

	a.log.Info("app started", logx.String("addr", a.Addr()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Stop intake first, then background loops, then the stores they write to.
	a.step(ctx, "http", a.shutdownTO, func(c context.Context) error {
		a.api.Close()
		if a.ln == nil {
			return nil
		}
		return a.http.Shutdown(c)
	})
	a.step(ctx, "housekeeping", 2*time.Second, a.hk.Stop)

	a.sup.Cancel()

	a.step(ctx, "sessions", 2*time.Second, func(context.Context) error { return a.sessions.Close() })
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "stores", 2*time.Second, func(context.Context) error {
		a.closeStores()
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStores() {
	if a.live != nil {
		if err := a.live.Close(); err != nil {
			a.log.Warn("device store close failed", logx.Err(err))
		}
	}
	if err := a.dir.Close(); err != nil {
		a.log.Warn("directory close failed", logx.Err(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("auth state close failed", logx.Err(err))
	}
}

// step runs one shutdown step bounded by max (and the caller's deadline) so
// one component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func (a *App) health() any {
	out := map[string]any{
		"supervisor": a.sup.Snapshot(),
		"progress": map[string]any{
			"subscribers": a.bus.Subscribers(),
			"dropped":     a.bus.Dropped(),
		},
		"message_delay": a.engine.Delay().String(),
	}
	if a.hkOn.Load() {
		out["housekeeping"] = a.hk.History()
	}
	if a.notif != nil {
		out["notify"] = a.notif.History()
	}
	return out
}
