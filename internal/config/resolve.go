package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def when raw is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// parseDelay returns def only when raw is empty, so "0s" disables a delay.
func parseDelay(path, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return ParseDurationField(path, raw)
}

// Resolved holds the parsed, defaulted durations of a Config.
type Resolved struct {
	HTTPReadTimeout     time.Duration
	HTTPWriteTimeout    time.Duration
	HTTPShutdownTimeout time.Duration
	SyncSendTimeout     time.Duration

	ReconnectDelay time.Duration
	PairingDelay   time.Duration

	MessageDelay time.Duration
	StatusTTL    time.Duration

	AuthBusyTimeout   time.Duration
	DirectoryCacheTTL time.Duration
	PairAfter         time.Duration
	MediaTimeout      time.Duration
}

// Resolve parses every duration field, applying defaults.
func Resolve(cfg *Config) (Resolved, error) {
	if cfg == nil {
		return Resolved{}, errors.New("config is nil")
	}
	var (
		r    Resolved
		errs []error
	)
	add := func(d time.Duration, err error) time.Duration {
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	r.HTTPReadTimeout = add(ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 15*time.Second))
	r.HTTPWriteTimeout = add(ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 0))
	r.HTTPShutdownTimeout = add(ParseDurationOrDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout, 10*time.Second))
	r.SyncSendTimeout = add(ParseDurationOrDefault("http.sync_send_timeout", cfg.HTTP.SyncSendTimeout, 0))
	r.ReconnectDelay = add(parseDelay("sessions.reconnect_delay", cfg.Sessions.ReconnectDelay, 5*time.Second))
	r.PairingDelay = add(parseDelay("sessions.pairing_delay", cfg.Sessions.PairingDelay, 1500*time.Millisecond))
	r.MessageDelay = add(parseDelay("dispatch.message_delay", cfg.Dispatch.MessageDelay, 10*time.Second))
	r.StatusTTL = add(ParseDurationOrDefault("dispatch.status_ttl", cfg.Dispatch.StatusTTL, 24*time.Hour))
	r.AuthBusyTimeout = add(ParseDurationOrDefault("auth_state.busy_timeout", cfg.AuthState.BusyTimeout, 5*time.Second))
	r.DirectoryCacheTTL = add(parseDelay("directory.cache_ttl", cfg.Directory.CacheTTL, 30*time.Second))
	r.PairAfter = add(ParseDurationOrDefault("transport.pair_after", cfg.Transport.PairAfter, 0))
	r.MediaTimeout = add(ParseDurationOrDefault("transport.media_timeout", cfg.Transport.MediaTimeout, 30*time.Second))
	return r, errors.Join(errs...)
}

var (
	authDrivers      = []string{"", "memory", "file", "sqlite", "sqlite3", "mongo", "mongodb", "redis"}
	directoryDrivers = []string{"", "static", "mongo", "mongodb"}
	transportDrivers = []string{"", "loopback", "whatsmeow"}
)

func oneOf(v string, allowed []string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := Resolve(cfg); err != nil {
		errs = append(errs, err)
	}

	if !oneOf(cfg.AuthState.Driver, authDrivers) {
		errs = append(errs, fmt.Errorf("auth_state.driver: unknown driver %q", cfg.AuthState.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.AuthState.Driver)) {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.AuthState.Path) == "" {
			errs = append(errs, errors.New("auth_state.path is required"))
		}
	case "mongo", "mongodb":
		if strings.TrimSpace(cfg.AuthState.URI) == "" {
			errs = append(errs, errors.New("auth_state.uri is required"))
		}
	case "redis":
		if strings.TrimSpace(cfg.AuthState.Addr) == "" {
			errs = append(errs, errors.New("auth_state.addr is required"))
		}
	}

	if !oneOf(cfg.Directory.Driver, directoryDrivers) {
		errs = append(errs, fmt.Errorf("directory.driver: unknown driver %q", cfg.Directory.Driver))
	}
	if oneOf(cfg.Directory.Driver, []string{"mongo", "mongodb"}) && strings.TrimSpace(cfg.Directory.URI) == "" {
		errs = append(errs, errors.New("directory.uri is required"))
	}
	if !oneOf(cfg.Transport.Driver, transportDrivers) {
		errs = append(errs, fmt.Errorf("transport.driver: unknown driver %q", cfg.Transport.Driver))
	}
	if cfg.Transport.MediaMaxBytes < 0 {
		errs = append(errs, errors.New("transport.media_max_bytes must be >= 0"))
	}
	if cfg.Dispatch.StatusMax < 0 {
		errs = append(errs, errors.New("dispatch.status_max must be >= 0"))
	}

	if tg := cfg.Notify.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			errs = append(errs, errors.New("notify.telegram.token is required when enabled"))
		}
		if tg.ChatID == 0 {
			errs = append(errs, errors.New("notify.telegram.chat_id is required when enabled"))
		}
		if tg.RatePerSec < 0 {
			errs = append(errs, errors.New("notify.telegram.rate_per_sec must be >= 0"))
		}
	}

	if d := cfg.Debug; d.PprofEnabled {
		addr := strings.TrimSpace(d.PprofAddr)
		if addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, fmt.Errorf("debug.pprof_addr: %w", err))
			}
		}
	}

	if hk := cfg.Housekeeping; hk.Enabled {
		if tz := strings.TrimSpace(hk.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				errs = append(errs, fmt.Errorf("housekeeping.timezone: %w", err))
			}
		}
		for path, spec := range map[string]string{
			"housekeeping.prune_schedule":  hk.PruneSchedule,
			"housekeeping.report_schedule": hk.ReportSchedule,
		} {
			if strings.TrimSpace(spec) == "" {
				continue
			}
			if _, err := cron.ParseStandard(spec); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
			}
		}
	}
	return errors.Join(errs...)
}
