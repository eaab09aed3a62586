package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("250ms", "10s", "1m"). Fields tagged env can be overridden from the
// environment after the file is decoded.
type Config struct {
	HTTP         HTTPConfig         `json:"http"`
	Logging      LoggingConfig      `json:"logging"`
	Sessions     SessionsConfig     `json:"sessions"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	AuthState    AuthStateConfig    `json:"auth_state"`
	Directory    DirectoryConfig    `json:"directory"`
	Transport    TransportConfig    `json:"transport"`
	Notify       NotifyConfig       `json:"notify"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	Debug        DebugConfig        `json:"debug"`
}

type HTTPConfig struct {
	Addr            string `json:"addr" env:"WABATCH_HTTP_ADDR"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// SyncSendTimeout bounds a synchronous batch request. Empty means no bound.
	SyncSendTimeout string `json:"sync_send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level" env:"WABATCH_LOG_LEVEL"`
	Console bool          `json:"console"`
	JSON    bool          `json:"json,omitempty" env:"WABATCH_LOG_JSON"`
	File    FileLogConfig `json:"file"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty" env:"WABATCH_LOG_FILE"`
}

type SessionsConfig struct {
	// ReconnectDelay defaults to "5s".
	ReconnectDelay string `json:"reconnect_delay,omitempty"`
	// PairingDelay defaults to "1500ms".
	PairingDelay   string `json:"pairing_delay,omitempty"`
	RestoreOnStart bool   `json:"restore_on_start" env:"WABATCH_RESTORE_ON_START"`
}

type DispatchConfig struct {
	// MessageDelay defaults to "10s". "0s" disables the wait.
	MessageDelay string `json:"message_delay,omitempty" env:"WABATCH_MESSAGE_DELAY"`
	StatusMax    int    `json:"status_max,omitempty"`
	StatusTTL    string `json:"status_ttl,omitempty"`
}

type AuthStateConfig struct {
	// Driver: memory | file | sqlite | mongo | redis. Empty means memory.
	Driver      string `json:"driver" env:"WABATCH_AUTH_DRIVER"`
	Path        string `json:"path,omitempty" env:"WABATCH_AUTH_PATH"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	URI        string `json:"uri,omitempty" env:"WABATCH_AUTH_MONGO_URI"`
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`

	Addr      string `json:"addr,omitempty" env:"WABATCH_AUTH_REDIS_ADDR"`
	Password  string `json:"password,omitempty" env:"WABATCH_AUTH_REDIS_PASSWORD"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

type DirectoryConfig struct {
	// Driver: static | mongo. Empty means static.
	Driver string `json:"driver" env:"WABATCH_DIRECTORY_DRIVER"`
	// Active maps user id -> number for the static driver.
	Active map[string]string `json:"active,omitempty"`

	URI        string `json:"uri,omitempty" env:"WABATCH_DIRECTORY_MONGO_URI"`
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`
	// CacheTTL memoizes mongo lookups. Defaults to "30s"; "0s" disables it.
	CacheTTL string `json:"cache_ttl,omitempty"`
}

type TransportConfig struct {
	// Driver: loopback | whatsmeow. Empty means loopback.
	Driver string `json:"driver" env:"WABATCH_TRANSPORT"`

	// loopback
	// PairAfter makes loopback handles register themselves this long after a
	// pairing code is issued. Empty leaves pairing incomplete.
	PairAfter   string   `json:"pair_after,omitempty"`
	FailNumbers []string `json:"fail_numbers,omitempty"`

	// whatsmeow
	// StorePath is the sqlite device store. Defaults to ./data/whatsmeow.db.
	StorePath string `json:"store_path,omitempty" env:"WABATCH_WA_STORE"`
	// DeviceName is shown in the phone's linked devices list.
	DeviceName    string `json:"device_name,omitempty"`
	MediaTimeout  string `json:"media_timeout,omitempty"`
	MediaMaxBytes int64  `json:"media_max_bytes,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramNotifyConfig `json:"telegram"`
}

type TelegramNotifyConfig struct {
	Enabled    bool    `json:"enabled" env:"WABATCH_TELEGRAM_ENABLED"`
	Token      string  `json:"token,omitempty" env:"WABATCH_TELEGRAM_TOKEN"`
	ChatID     int64   `json:"chat_id,omitempty" env:"WABATCH_TELEGRAM_CHAT_ID"`
	ThreadID   int     `json:"thread_id,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	// Disconnects also forwards non-terminal disconnects. Logouts and batch
	// summaries are always forwarded.
	Disconnects bool `json:"disconnects,omitempty"`
}

type HousekeepingConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	// PruneSchedule is a cron spec for job-status pruning. Defaults to "@every 10m".
	PruneSchedule string `json:"prune_schedule,omitempty"`
	// ReportSchedule is a cron spec for the session report. Empty disables it.
	ReportSchedule string `json:"report_schedule,omitempty"`
}

type DebugConfig struct {
	// PprofEnabled starts net/http/pprof on PprofAddr (default 127.0.0.1:6060).
	PprofEnabled bool   `json:"pprof_enabled"`
	PprofAddr    string `json:"pprof_addr,omitempty"`
	PprofToken   string `json:"pprof_token,omitempty" env:"WABATCH_PPROF_TOKEN"`
	// AllowInsecure permits a non-loopback pprof bind without a token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
}
