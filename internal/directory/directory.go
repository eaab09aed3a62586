// Package directory maps an authenticated user to the identity they
// currently send from.
package directory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"wabatch/internal/identity"
	logx "wabatch/pkg/logx"
)

// Directory resolves a user's active identity. An unknown user or a user
// without an active number yields "" and a nil error.
type Directory interface {
	ActiveIdentityFor(ctx context.Context, userID string) (string, error)
	Close() error
}

type Config struct {
	Driver string

	// static
	Active map[string]string

	// mongo
	URI        string
	Database   string
	Collection string
	// CacheTTL memoizes mongo lookups. Zero disables the cache.
	CacheTTL time.Duration
}

// Number is one identity owned by a user.
type Number struct {
	Number   string `json:"number" bson:"number"`
	IsActive bool   `json:"isActive" bson:"isActive"`
}

// Open initializes the configured directory. An empty driver means "static".
func Open(cfg Config, log logx.Logger) (Directory, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "directory"))
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "static":
		return NewStatic(cfg.Active), nil
	case "mongo", "mongodb":
		d, err := openMongo(cfg, log)
		if err != nil {
			return nil, err
		}
		return WithCache(d, defaultCacheSize, cfg.CacheTTL), nil
	default:
		return nil, errors.New("unknown directory driver: " + cfg.Driver)
	}
}

// Static is a fixed user -> identity map, replaceable at runtime.
type Static struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewStatic(active map[string]string) *Static {
	s := &Static{}
	s.Set(active)
	return s
}

func (s *Static) Set(active map[string]string) {
	m := make(map[string]string, len(active))
	for user, num := range active {
		user = strings.TrimSpace(user)
		if id := identity.Sanitize(num); user != "" && id != "" {
			m[user] = id
		}
	}
	s.mu.Lock()
	s.m = m
	s.mu.Unlock()
}

func (s *Static) ActiveIdentityFor(ctx context.Context, userID string) (string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[strings.TrimSpace(userID)], nil
}

// Users returns the configured user ids, sorted.
func (s *Static) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.m))
	for u := range s.m {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (s *Static) Close() error { return nil }

// activeNumber picks the first active entry.
func activeNumber(nums []Number) string {
	for _, n := range nums {
		if n.IsActive {
			if id := identity.Sanitize(n.Number); id != "" {
				return id
			}
		}
	}
	return ""
}
