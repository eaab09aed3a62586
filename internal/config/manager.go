package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ilyakaznacheev/cleanenv"

	logx "wabatch/pkg/logx"
)

// validateTimeout bounds the reload validator hook.
const validateTimeout = 5 * time.Second

// ConfigManager owns the committed config and fans reloads out to
// subscribers.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu          sync.RWMutex
	cfg         *Config
	fingerprint uint64
	validator   func(ctx context.Context, cfg *Config) error

	subs subscribers
}

func NewConfigManager(path string) *ConfigManager {
	m := &ConfigManager{path: path, log: logx.Nop()}
	m.subs.log = m.log
	return m
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log.With(logx.String("comp", "config"))
	m.subs.log = m.log
}

// SetValidator installs a hook that must accept a reloaded config before it
// is committed. Startup Load does not run it.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validator = fn
	m.mu.Unlock()
}

// Parse reads and decodes the file with environment overrides applied.
// Nothing is committed.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decode(m.path, raw)
}

// decode turns raw file bytes into a Config. Every format goes through one
// strict JSON decoder so unknown keys are rejected the same way everywhere.
func decode(path string, raw []byte) (*Config, error) {
	doc, format, err := coerceToJSONBytes(path, raw)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()

	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	switch err := dec.Decode(new(json.RawMessage)); {
	case err == nil:
		return nil, errors.New("invalid config: trailing data after document")
	case !errors.Is(err, io.EOF):
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	return cfg, nil
}

// fingerprintOf hashes the effective config (file plus env), so a save that
// changes nothing, or only formatting, is not republished.
func fingerprintOf(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}

func (m *ConfigManager) Commit(cfg *Config) {
	fp := fingerprintOf(cfg)
	m.mu.Lock()
	m.cfg, m.fingerprint = cfg, fp
	m.mu.Unlock()
}

// Load parses, validates and commits the file. It is the startup path.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every committed reload. Only the
// newest config matters, so a full channel has its stale entry replaced.
func (m *ConfigManager) Subscribe(buffer int) chan *Config { return m.subs.add(buffer) }

// Unsubscribe closes ch and stops delivering to it.
func (m *ConfigManager) Unsubscribe(ch chan *Config) { m.subs.remove(ch) }

// Reload re-reads the file and publishes it when the effective config
// changed and passes validation. It reports whether anything was published.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	next, err := m.Parse()
	if err != nil {
		return false, err
	}

	fp := fingerprintOf(next)
	m.mu.RLock()
	same := fp != 0 && fp == m.fingerprint
	hook := m.validator
	m.mu.RUnlock()
	if same {
		return false, nil
	}

	if err := Validate(next); err != nil {
		return false, err
	}
	if hook != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := hook(vctx, next)
		cancel()
		if err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}

	m.Commit(next)
	m.subs.publish(next)
	return true, nil
}

type subscribers struct {
	mu  sync.Mutex
	chs []chan *Config
	log logx.Logger
}

func (s *subscribers) add(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	s.mu.Lock()
	s.chs = append(s.chs, ch)
	s.mu.Unlock()
	return ch
}

func (s *subscribers) remove(ch chan *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.chs {
		if c != ch {
			continue
		}
		s.chs = append(s.chs[:i], s.chs[i+1:]...)
		close(ch)
		return
	}
}

// publish holds the lock while sending so remove cannot close a channel
// mid-send.
func (s *subscribers) publish(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chs {
		if offer(ch, cfg) {
			continue
		}
		// Full: discard the stale entry and retry once.
		select {
		case <-ch:
		default:
		}
		if !offer(ch, cfg) {
			s.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}
