package cachestore

import (
	"context"
	"sort"
	"strings"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/FitchII-cod/billiard-tracker/pkg/fetchdto"
)

// MemoryStorage is the in-process backend. Entries never expire; a
// generation lives until it is deleted.
type MemoryStorage struct {
	mu    sync.RWMutex
	order []string
	gens  map[string]*memoryCache
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{gens: make(map[string]*memoryCache)}
}

func (s *MemoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.gens[name]; ok {
		return c, nil
	}
	c := &memoryCache{name: name, items: gocache.New(gocache.NoExpiration, 0)}
	s.gens[name] = c
	s.order = append(s.order, name)
	return c, nil
}

func (s *MemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.gens[name]
	return ok, nil
}

func (s *MemoryStorage) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.gens[name]
	if !ok {
		return false, nil
	}
	c.items.Flush()
	delete(s.gens, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *MemoryStorage) Match(ctx context.Context, key string) (*fetchdto.Response, error) {
	s.mu.RLock()
	gens := make([]*memoryCache, 0, len(s.order))
	for _, n := range s.order {
		gens = append(gens, s.gens[n])
	}
	s.mu.RUnlock()
	for _, c := range gens {
		if resp, _ := c.Match(ctx, key); resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStorage) Close() error { return nil }

type memoryCache struct {
	name  string
	mu    sync.Mutex // serialises AddAll against Put
	items *gocache.Cache
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(ctx context.Context, key string) (*fetchdto.Response, error) {
	obj, found := c.items.Get(key)
	if !found {
		return nil, nil
	}
	// hand out copies so callers cannot mutate the stored entry
	return obj.(*fetchdto.Response).Clone(), nil
}

func (c *memoryCache) Put(ctx context.Context, key string, resp *fetchdto.Response) error {
	return c.AddAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (c *memoryCache) AddAll(ctx context.Context, entries []Entry) error {
	if err := validateEntries(entries); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.items.Set(e.Key, e.Response.Clone(), gocache.NoExpiration)
	}
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) (bool, error) {
	if _, found := c.items.Get(key); !found {
		return false, nil
	}
	c.items.Delete(key)
	return true, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]string, error) {
	items := c.items.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
