package authstate

import (
	"context"
	"sort"
	"sync"
)

type memoryStore struct {
	mu     sync.RWMutex
	m      map[string]*Credentials
	closed bool
}

func NewMemory() Store {
	return &memoryStore{m: map[string]*Credentials{}}
}

func (s *memoryStore) Load(ctx context.Context, identity string) (*Credentials, error) {
	_ = ctx
	id, err := checkIdentity(identity)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if c, ok := s.m[id]; ok {
		return c.Clone(), nil
	}
	return Blank(id), nil
}

func (s *memoryStore) Persist(ctx context.Context, c *Credentials) error {
	_ = ctx
	cp, err := stamp(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.m[cp.Identity] = cp
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, identity string) error {
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
	delete(s.m, id)
	return nil
}

func (s *memoryStore) List(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(s.m))
	for id := range s.m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
