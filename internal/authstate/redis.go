package authstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	logx "wabatch/pkg/logx"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
	opT    time.Duration
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("authstate.addr is required for redis driver")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "wabatch:auth:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.opTimeout())
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info("redis auth-state store ready", logx.String("addr", addr), logx.String("prefix", prefix))
	return &redisStore{rdb: rdb, prefix: prefix, log: log, opT: cfg.opTimeout()}, nil
}

func (s *redisStore) key(id string) string { return s.prefix + id }

func (s *redisStore) Load(ctx context.Context, identity string) (*Credentials, error) {
	id, err := checkIdentity(identity)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opT)
	defer cancel()

	b, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Blank(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials %s: %w", id, err)
	}
	var c Credentials
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode credentials %s: %w", id, err)
	}
	c.Identity = id
	return &c, nil
}

func (s *redisStore) Persist(ctx context.Context, c *Credentials) error {
	cp, err := stamp(c)
	if err != nil {
		return err
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opT)
	defer cancel()
	if err := s.rdb.Set(ctx, s.key(cp.Identity), b, 0).Err(); err != nil {
		return fmt.Errorf("persist credentials %s: %w", cp.Identity, err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, identity string) error {
	id, err := checkIdentity(identity)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opT)
	defer cancel()
	return s.rdb.Del(ctx, s.key(id)).Err()
}

func (s *redisStore) List(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opT)
	defer cancel()

	var out []string
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }
