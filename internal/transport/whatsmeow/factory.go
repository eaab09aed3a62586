// Package whatsmeow is the live transport: one whatsmeow client per identity,
// with device keys kept in a sqlite store next to the auth state.
//
// The auth state only mirrors what the registry needs: the registered flag and
// the device JID in Credentials.Creds. Key material stays in the device store.
package whatsmeow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	wa "go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"wabatch/internal/authstate"
	"wabatch/internal/transport"
	logx "wabatch/pkg/logx"

	_ "modernc.org/sqlite"
)

const (
	DefaultStorePath  = "./data/whatsmeow.db"
	DefaultDeviceName = "Chrome (Linux)"
)

type Config struct {
	// StorePath is the sqlite file holding device keys.
	StorePath string
	// DeviceName is shown in the phone's linked devices list.
	DeviceName string
	// MediaTimeout bounds one media download. Zero means 30s.
	MediaTimeout time.Duration
	// MediaMaxBytes caps one downloaded image. Zero means 16 MiB.
	MediaMaxBytes int64
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.StorePath) == "" {
		c.StorePath = DefaultStorePath
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		c.DeviceName = DefaultDeviceName
	}
	if c.MediaTimeout <= 0 {
		c.MediaTimeout = defaultMediaTimeout
	}
	if c.MediaMaxBytes <= 0 {
		c.MediaMaxBytes = defaultMediaMaxBytes
	}
	return c
}

type Factory struct {
	cfg   Config
	log   logx.Logger
	wlog  waLog.Logger
	fetch fetcher

	mu        sync.Mutex
	db        *sql.DB
	container *sqlstore.Container
}

func New(cfg Config, log logx.Logger) *Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	log = log.With(logx.String("comp", "transport.whatsmeow"))
	return &Factory{
		cfg:   cfg,
		log:   log,
		wlog:  newWALogger(log),
		fetch: fetcher{client: &http.Client{}, timeout: cfg.MediaTimeout, max: cfg.MediaMaxBytes},
	}
}

// devices opens the device store on first use.
func (f *Factory) devices(ctx context.Context) (*sqlstore.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.container != nil {
		return f.container, nil
	}
	if err := os.MkdirAll(filepath.Dir(f.cfg.StorePath), 0o755); err != nil {
		return nil, fmt.Errorf("device store dir: %w", err)
	}
	dsn := "file:" + f.cfg.StorePath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	c := sqlstore.NewWithDB(db, "sqlite3", f.wlog.Sub("store"))
	if err := c.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("upgrade device store: %w", err)
	}
	f.db, f.container = db, c
	f.log.Info("device store ready", logx.String("path", f.cfg.StorePath))
	return c, nil
}

// device returns the stored device for creds, or a fresh unpaired one. stale
// is true when creds claim a registration the device store no longer has.
func (f *Factory) device(ctx context.Context, c *sqlstore.Container, identity string, creds *authstate.Credentials) (dev *store.Device, stale bool, err error) {
	if creds == nil || !creds.Registered {
		return c.NewDevice(), false, nil
	}
	jid, perr := types.ParseJID(string(creds.Creds))
	if perr == nil && jid.User != "" {
		dev, err = c.GetDevice(ctx, jid)
		if err != nil {
			return nil, false, fmt.Errorf("load device %s: %w", jid, err)
		}
		if dev != nil {
			return dev, false, nil
		}
	}
	f.log.Warn("stored device missing, pairing required", logx.Identity(identity))
	return c.NewDevice(), true, nil
}

func (f *Factory) Open(ctx context.Context, identity string, creds *authstate.Credentials) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := f.devices(ctx)
	if err != nil {
		return nil, err
	}
	dev, stale, err := f.device(ctx, c, identity, creds)
	if err != nil {
		return nil, err
	}

	log := f.log.With(logx.Identity(identity))
	cli := wa.NewClient(dev, newWALogger(log))
	// The session registry owns reconnects.
	cli.EnableAutoReconnect = false

	h := newHandle(identity, cli, dev.ID != nil, f.fetch, f.cfg.DeviceName, log)
	if stale {
		h.emit(transport.Event{Kind: transport.EventCredentials, Creds: authstate.Blank(identity)})
	}
	cli.AddEventHandler(h.onEvent)
	if err := cli.Connect(); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("connect %s: %w", identity, err)
	}
	log.Info("whatsmeow client connecting", logx.Bool("registered", dev.ID != nil))
	return h, nil
}

// Close releases the device store. Handles must be closed first.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.db == nil {
		return nil
	}
	err := f.db.Close()
	f.db, f.container = nil, nil
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
