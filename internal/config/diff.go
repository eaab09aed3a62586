package config

import (
	"reflect"
	"strings"

	logx "wabatch/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe fields for
// logging. Secrets (tokens, passwords, URIs) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Sessions, newCfg.Sessions) {
		changed = append(changed, "sessions")
		attrs = append(attrs,
			logx.String("sessions.reconnect_delay", strings.TrimSpace(newCfg.Sessions.ReconnectDelay)),
			logx.String("sessions.pairing_delay", strings.TrimSpace(newCfg.Sessions.PairingDelay)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.message_delay", strings.TrimSpace(newCfg.Dispatch.MessageDelay)),
			logx.Int("dispatch.status_max", newCfg.Dispatch.StatusMax),
		)
	}
	if !reflect.DeepEqual(oldCfg.AuthState, newCfg.AuthState) {
		changed = append(changed, "auth_state")
		attrs = append(attrs, logx.String("auth_state.driver", newCfg.AuthState.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Directory, newCfg.Directory) {
		changed = append(changed, "directory")
		attrs = append(attrs,
			logx.String("directory.driver", newCfg.Directory.Driver),
			logx.Int("directory.active_count", len(newCfg.Directory.Active)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", newCfg.Transport.Driver),
			logx.Int("transport.fail_numbers", len(newCfg.Transport.FailNumbers)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		tg := newCfg.Notify.Telegram
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.telegram.enabled", tg.Enabled),
			logx.Bool("notify.telegram.token_set", strings.TrimSpace(tg.Token) != ""),
			logx.Int64("notify.telegram.chat_id", tg.ChatID),
		)
	}
	if !reflect.DeepEqual(oldCfg.Housekeeping, newCfg.Housekeeping) {
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.Bool("housekeeping.enabled", newCfg.Housekeeping.Enabled),
			logx.String("housekeeping.prune_schedule", newCfg.Housekeeping.PruneSchedule),
		)
	}
	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.pprof_enabled", newCfg.Debug.PprofEnabled),
			logx.String("debug.pprof_addr", newCfg.Debug.PprofAddr),
		)
	}
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart: stores, listeners and drivers are opened once at startup.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "http", "auth_state", "directory", "transport", "notify", "debug":
			out = append(out, c)
		}
	}
	return out
}
