package authstate

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "wabatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("authstate.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Load(ctx context.Context, identity string) (*Credentials, error) {
	id, err := checkIdentity(identity)
	if err != nil {
		return nil, err
	}
	var doc []byte
	err = s.db.QueryRowContext(ctx, `SELECT doc FROM credentials WHERE identity = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Blank(id), nil
	}
	if err != nil {
		return nil, err
	}
	var c Credentials
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("decode credentials %s: %w", id, err)
	}
	c.Identity = id
	return &c, nil
}

func (s *sqliteStore) Persist(ctx context.Context, c *Credentials) error {
	cp, err := stamp(c)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials(identity, registered, doc, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(identity) DO UPDATE SET registered=excluded.registered, doc=excluded.doc, updated_at=excluded.updated_at`,
		cp.Identity, cp.Registered, doc, cp.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, identity string) error {
	id, err := checkIdentity(identity)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM credentials WHERE identity = ?`, id)
	return err
}

func (s *sqliteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity FROM credentials ORDER BY identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
