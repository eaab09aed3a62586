package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "wabatch/pkg/logx"
)

// sdNotify reports state to systemd. Outside a Type=notify unit it is a no-op.
func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec while the
// supervisor has no fatal error.
func (a *App) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if a.sup.Err() != nil {
				return
			}
			a.sdNotify(daemon.SdNotifyWatchdog)
		}
	}
}
