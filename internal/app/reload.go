package app

import (
	"context"
	"strings"
	"time"

	"wabatch/internal/config"
	"wabatch/internal/directory"
	logx "wabatch/pkg/logx"
)

// reloadLoop applies committed configs. Timing knobs, logging, the static
// directory, loopback failures and housekeeping apply live; stores,
// listeners and drivers keep their startup values.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.apply(last, next)
			last = next
		}
	}
}

func (a *App) apply(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	r, err := config.Resolve(next)
	if err != nil {
		a.log.Warn("config reload not applied", logx.Err(err))
		return
	}

	if err := a.logs.Apply(loggingConfig(next)); err != nil {
		a.log.Warn("log sink reload incomplete", logx.Err(err))
	}
	a.sessions.SetConfig(sessionConfig(r))
	a.engine.SetDelay(r.MessageDelay)
	a.dispatch.Apply(dispatchConfig(next, r))
	if a.loop != nil {
		a.loop.SetFailAddresses(next.Transport.FailNumbers)
	}
	if st, ok := a.dir.(*directory.Static); ok && isStaticDirectory(next) {
		st.Set(next.Directory.Active)
	}
	if a.notif != nil {
		a.notif.Apply(notifyConfig(next))
	}
	a.applyHousekeeping(next)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("some changed settings take effect after restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyHousekeeping(next *config.Config) {
	on := next.Housekeeping.Enabled
	was := a.hkOn.Load()
	switch {
	case on && !was:
		if err := a.hk.Apply(housekeepingConfig(next)); err != nil {
			a.log.Warn("housekeeping config rejected", logx.Err(err))
			return
		}
		if err := a.hk.Start(a.sup.Context()); err != nil {
			a.log.Warn("housekeeping start failed", logx.Err(err))
			return
		}
		a.log.Info("housekeeping enabled via config")
	case !on && was:
		stopCtx, cancel := context.WithTimeout(a.sup.Context(), 2*time.Second)
		_ = a.hk.Stop(stopCtx)
		cancel()
		_ = a.hk.Apply(housekeepingConfig(next))
		a.log.Info("housekeeping disabled via config")
	case on:
		if err := a.hk.Apply(housekeepingConfig(next)); err != nil {
			a.log.Warn("housekeeping config rejected", logx.Err(err))
		}
	}
	a.hkOn.Store(on)
}
