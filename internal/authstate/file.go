package authstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "wabatch/pkg/logx"
)

// fileStore keeps one JSON document per identity under a directory:
//
//	<dir>/<identity>.json
//
// Writes go to a temp file in the same directory and are renamed into place.
type fileStore struct {
	dir string
	log logx.Logger

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("authstate.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &fileStore{dir: dir, log: log}, nil
}

func (s *fileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *fileStore) Load(ctx context.Context, identity string) (*Credentials, error) {
	_ = ctx
	id, err := checkIdentity(identity)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	b, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return Blank(id), nil
	}
	if err != nil {
		return nil, err
	}
	var c Credentials
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode credentials %s: %w", id, err)
	}
	c.Identity = id
	return &c, nil
}

func (s *fileStore) Persist(ctx context.Context, c *Credentials) error {
	_ = ctx
	cp, err := stamp(c)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tmp, err := os.CreateTemp(s.dir, cp.Identity+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path(cp.Identity)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	s.log.Debug("credentials persisted", logx.Identity(cp.Identity), logx.Bool("registered", cp.Registered))
	return nil
}

func (s *fileStore) Delete(ctx context.Context, identity string) error {
	_ = ctx
	id, err := checkIdentity(identity)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) List(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
