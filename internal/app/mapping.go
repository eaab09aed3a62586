package app

import (
	"strings"
	"time"

	"wabatch/internal/authstate"
	"wabatch/internal/config"
	"wabatch/internal/directory"
	"wabatch/internal/dispatch"
	"wabatch/internal/housekeeping"
	"wabatch/internal/notify"
	"wabatch/internal/observability/pprof"
	"wabatch/internal/session"
	"wabatch/internal/transport/loopback"
	wmeow "wabatch/internal/transport/whatsmeow"
	logx "wabatch/pkg/logx"
)

// notifyDedupWindow suppresses repeated logout/disconnect alerts per identity.
const notifyDedupWindow = 5 * time.Minute

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func authStateConfig(cfg *config.Config, r config.Resolved) authstate.Config {
	a := cfg.AuthState
	return authstate.Config{
		Driver:      a.Driver,
		Path:        a.Path,
		BusyTimeout: r.AuthBusyTimeout,
		URI:         a.URI,
		Database:    a.Database,
		Collection:  a.Collection,
		Addr:        a.Addr,
		Password:    a.Password,
		DB:          a.DB,
		KeyPrefix:   a.KeyPrefix,
	}
}

func directoryConfig(cfg *config.Config, r config.Resolved) directory.Config {
	d := cfg.Directory
	return directory.Config{
		Driver:     d.Driver,
		Active:     d.Active,
		URI:        d.URI,
		Database:   d.Database,
		Collection: d.Collection,
		CacheTTL:   r.DirectoryCacheTTL,
	}
}

func loopbackConfig(cfg *config.Config, r config.Resolved) loopback.Config {
	return loopback.Config{PairAfter: r.PairAfter, FailAddresses: cfg.Transport.FailNumbers}
}

func whatsmeowConfig(cfg *config.Config, r config.Resolved) wmeow.Config {
	t := cfg.Transport
	return wmeow.Config{
		StorePath:     t.StorePath,
		DeviceName:    t.DeviceName,
		MediaTimeout:  r.MediaTimeout,
		MediaMaxBytes: t.MediaMaxBytes,
	}
}

func isWhatsmeow(cfg *config.Config) bool {
	return strings.EqualFold(strings.TrimSpace(cfg.Transport.Driver), "whatsmeow")
}

func sessionConfig(r config.Resolved) session.Config {
	return session.Config{
		ReconnectDelay: r.ReconnectDelay,
		PairingDelay:   r.PairingDelay,
		PersistTimeout: session.DefaultConfig().PersistTimeout,
	}
}

func dispatchConfig(cfg *config.Config, r config.Resolved) dispatch.Config {
	return dispatch.Config{StatusMax: cfg.Dispatch.StatusMax, StatusTTL: r.StatusTTL}
}

func notifyConfig(cfg *config.Config) notify.Config {
	tg := cfg.Notify.Telegram
	return notify.Config{
		RatePerSec:  tg.RatePerSec,
		Disconnects: tg.Disconnects,
		DedupWindow: notifyDedupWindow,
		RetryMax:    2,
	}
}

func housekeepingConfig(cfg *config.Config) housekeeping.Config {
	hk := cfg.Housekeeping
	return housekeeping.Config{
		Timezone:       hk.Timezone,
		PruneSchedule:  hk.PruneSchedule,
		ReportSchedule: hk.ReportSchedule,
	}
}

func pprofConfig(cfg *config.Config) pprof.Config {
	d := cfg.Debug
	return pprof.Config{Addr: d.PprofAddr, Token: d.PprofToken, AllowInsecure: d.AllowInsecure}
}

func isStaticDirectory(cfg *config.Config) bool {
	switch strings.ToLower(strings.TrimSpace(cfg.Directory.Driver)) {
	case "", "static":
		return true
	}
	return false
}
