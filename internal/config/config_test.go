package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

const yamlConfig = `
http:
  addr: ":8080"
logging:
  level: debug
  console: true
sessions:
  reconnect_delay: 2s
  restore_on_start: true
dispatch:
  message_delay: 0s
auth_state:
  driver: file
  path: ./data/auth
directory:
  active:
    alice: "62811"
`

func TestParseYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", yamlConfig))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Logging.Level != "debug" || !cfg.Sessions.RestoreOnStart {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Directory.Active["alice"] != "62811" {
		t.Fatalf("directory = %+v", cfg.Directory)
	}
	r, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.ReconnectDelay != 2*time.Second || r.MessageDelay != 0 || r.PairingDelay != 1500*time.Millisecond {
		t.Fatalf("resolved = %+v", r)
	}
	if m.Get() != cfg {
		t.Fatalf("load should commit")
	}
}

func TestParseTOML(t *testing.T) {
	body := `
[http]
addr = ":9090"

[dispatch]
message_delay = "3s"
status_max = 50

[transport]
fail_numbers = ["62999"]
`
	cfg, err := NewConfigManager(writeFile(t, "config.toml", body)).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.Dispatch.StatusMax != 50 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Transport.FailNumbers, []string{"62999"}) {
		t.Fatalf("fail numbers = %v", cfg.Transport.FailNumbers)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := NewConfigManager(writeFile(t, "config.json", `{"http":{"addr":":1","port":2}}`)).Parse()
	if err == nil || !strings.Contains(err.Error(), "unknown field") {
		t.Fatalf("err = %v", err)
	}
	_, err = NewConfigManager(writeFile(t, "config.json", `{} {}`)).Parse()
	if err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("WABATCH_HTTP_ADDR", "127.0.0.1:7000")
	t.Setenv("WABATCH_MESSAGE_DELAY", "250ms")
	cfg, err := NewConfigManager(writeFile(t, "config.json", `{"http":{"addr":":1"}}`)).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:7000" || cfg.Dispatch.MessageDelay != "250ms" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	if err := Validate(cfg); err != nil {
		t.Fatalf("zero config should be valid: %v", err)
	}

	bad := &Config{
		AuthState:    AuthStateConfig{Driver: "sqlite"},
		Transport:    TransportConfig{Driver: "carrier-pigeon", MediaMaxBytes: -1},
		Sessions:     SessionsConfig{ReconnectDelay: "soon"},
		Notify:       NotifyConfig{Telegram: TelegramNotifyConfig{Enabled: true}},
		Housekeeping: HousekeepingConfig{Enabled: true, PruneSchedule: "every now and then"},
	}
	err := Validate(bad)
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"auth_state.path", "transport.driver", "transport.media_max_bytes", "sessions.reconnect_delay", "notify.telegram.token", "notify.telegram.chat_id", "housekeeping.prune_schedule"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestTransportDrivers(t *testing.T) {
	for _, d := range []string{"", "loopback", "whatsmeow", " WhatsMeow "} {
		if err := Validate(&Config{Transport: TransportConfig{Driver: d}}); err != nil {
			t.Fatalf("driver %q rejected: %v", d, err)
		}
	}
	r, err := Resolve(&Config{Transport: TransportConfig{MediaTimeout: "5s"}})
	if err != nil || r.MediaTimeout != 5*time.Second {
		t.Fatalf("media timeout = %v, %v", r.MediaTimeout, err)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	changed, err := m.Reload(context.Background())
	if err != nil || changed {
		t.Fatalf("unchanged reload = %v, %v", changed, err)
	}

	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	changed, err = m.Reload(context.Background())
	if err != nil || !changed {
		t.Fatalf("changed reload = %v, %v", changed, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published = %+v", cfg.Logging)
		}
	default:
		t.Fatalf("nothing published")
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error { return os.ErrPermission })
	_ = os.WriteFile(path, []byte(`{"logging":{"level":"warn"}}`), 0o644)
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("validator rejection ignored")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("rejected config was committed")
	}
}

func TestSummarizeChange(t *testing.T) {
	old := &Config{Logging: LoggingConfig{Level: "info"}, Notify: NotifyConfig{Telegram: TelegramNotifyConfig{Token: "a"}}}
	cur := &Config{Logging: LoggingConfig{Level: "debug"}, Notify: NotifyConfig{Telegram: TelegramNotifyConfig{Token: "b"}}}
	changed, _ := SummarizeChange(old, cur)
	if !reflect.DeepEqual(changed, []string{"logging", "notify"}) {
		t.Fatalf("changed = %v", changed)
	}
	if got := RestartRequired(changed); !reflect.DeepEqual(got, []string{"notify"}) {
		t.Fatalf("restart required = %v", got)
	}
}

func TestWatchPicksUpEdits(t *testing.T) {
	path := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"error"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "error" {
			t.Fatalf("published = %+v", cfg.Logging)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch: %v", err)
	}
}
