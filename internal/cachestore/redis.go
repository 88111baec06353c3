package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/FitchII-cod/billiard-tracker/pkg/fetchdto"
)

const defaultKeyPrefix = "cachestore"

// RedisStorage keeps each generation in one hash; the generation index is a
// sorted set scored by a creation counter.
type RedisStorage struct {
	rdb    *redis.Client
	prefix string
	owned  bool
}

type RedisOption func(*RedisStorage)

func WithKeyPrefix(p string) RedisOption {
	return func(s *RedisStorage) {
		if p = strings.TrimSpace(p); p != "" {
			s.prefix = p
		}
	}
}

// NewRedisStorage dials redisURL and checks the connection.
func NewRedisStorage(ctx context.Context, redisURL string, opts ...RedisOption) (*RedisStorage, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for redis cache storage")
	}
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := NewRedisStorageFromClient(rdb, opts...)
	s.owned = true
	return s, nil
}

// NewRedisStorageFromClient wraps an existing client; Close leaves it open.
func NewRedisStorageFromClient(rdb *redis.Client, opts ...RedisOption) *RedisStorage {
	s := &RedisStorage{rdb: rdb, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStorage) keyNames() string           { return s.prefix + ":names" }
func (s *RedisStorage) keySeq() string             { return s.prefix + ":seq" }
func (s *RedisStorage) keyGen(name string) string { return s.prefix + ":gen:" + name }

func (s *RedisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyName
	}
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		seq, err := s.rdb.Incr(ctx, s.keySeq()).Result()
		if err != nil {
			return nil, fmt.Errorf("cache seq: %w", err)
		}
		// NX keeps the first creation order if two openers race
		if err := s.rdb.ZAddNX(ctx, s.keyNames(), redis.Z{Score: float64(seq), Member: name}).Err(); err != nil {
			return nil, fmt.Errorf("register cache %s: %w", name, err)
		}
	}
	return &redisCache{s: s, name: name}, nil
}

func (s *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := s.rdb.ZScore(ctx, s.keyNames(), name).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	return s.rdb.ZRange(ctx, s.keyNames(), 0, -1).Result()
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.ZRem(ctx, s.keyNames(), name)
		p.Del(ctx, s.keyGen(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (s *RedisStorage) Match(ctx context.Context, key string) (*fetchdto.Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		resp, err := s.get(ctx, name, key)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}

func (s *RedisStorage) Close() error {
	if s == nil || s.rdb == nil || !s.owned {
		return nil
	}
	return s.rdb.Close()
}

func (s *RedisStorage) get(ctx context.Context, name, key string) (*fetchdto.Response, error) {
	raw, err := s.rdb.HGet(ctx, s.keyGen(name), key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resp fetchdto.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode cached response %q: %w", key, err)
	}
	return &resp, nil
}

type redisCache struct {
	s    *RedisStorage
	name string
}

func (c *redisCache) Name() string { return c.name }

func (c *redisCache) Match(ctx context.Context, key string) (*fetchdto.Response, error) {
	return c.s.get(ctx, c.name, key)
}

func (c *redisCache) Put(ctx context.Context, key string, resp *fetchdto.Response) error {
	return c.AddAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (c *redisCache) AddAll(ctx context.Context, entries []Entry) error {
	if err := validateEntries(entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	values := make([]any, 0, len(entries)*2)
	for _, e := range entries {
		raw, err := json.Marshal(e.Response)
		if err != nil {
			return fmt.Errorf("encode response %q: %w", e.Key, err)
		}
		values = append(values, e.Key, raw)
	}
	// a single HSET is atomic across all fields
	if err := c.s.rdb.HSet(ctx, c.s.keyGen(c.name), values...).Err(); err != nil {
		return fmt.Errorf("cache %s put: %w", c.name, err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) (bool, error) {
	n, err := c.s.rdb.HDel(ctx, c.s.keyGen(c.name), key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	return c.s.rdb.HKeys(ctx, c.s.keyGen(c.name)).Result()
}
