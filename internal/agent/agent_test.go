package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/FitchII-cod/billiard-tracker/internal/cachestore"
	"github.com/FitchII-cod/billiard-tracker/internal/queue"
	"github.com/FitchII-cod/billiard-tracker/pkg/fetchdto"
)

const origin = "http://origin.test"

var errOffline = errors.New("dial tcp: connection refused")

// fakeNet answers requests from a handler and records every call.
type fakeNet struct {
	mu      sync.Mutex
	calls   []*fetchdto.Request
	handler func(req *fetchdto.Request) (*fetchdto.Response, error)
}

func (f *fakeNet) Do(ctx context.Context, req *fetchdto.Request) (*fetchdto.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return nil, errOffline
	}
	return h(req)
}

func (f *fakeNet) PostJSON(ctx context.Context, path string, body []byte) (*fetchdto.Response, error) {
	return f.Do(ctx, &fetchdto.Request{
		Method: http.MethodPost,
		URL:    f.URL(path),
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
	})
}

func (f *fakeNet) URL(path string) string { return origin + path }

func (f *fakeNet) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func offline() *fakeNet { return &fakeNet{} }

func respond(status int, body string) *fakeNet {
	return &fakeNet{handler: func(*fetchdto.Request) (*fetchdto.Response, error) {
		return &fetchdto.Response{Status: status, Header: http.Header{}, Body: []byte(body)}, nil
	}}
}

func newQueueOpener(t *testing.T) (QueueOpener, *queue.Opener) {
	t.Helper()
	o := queue.NewOpener(t.TempDir())
	t.Cleanup(func() { _ = o.Close() })
	return OpenerFunc(o), o
}

func newTestAgent(t *testing.T, net Fetcher, caches cachestore.Storage, opts ...Option) *Agent {
	t.Helper()
	open, _ := newQueueOpener(t)
	return New(net, caches, open, opts...)
}

func mustMatch(t *testing.T, s cachestore.Storage, key string) *fetchdto.Response {
	t.Helper()
	resp, err := s.Match(context.Background(), key)
	if err != nil {
		t.Fatalf("match %s: %v", key, err)
	}
	return resp
}

func putCached(t *testing.T, s cachestore.Storage, key, body string) {
	t.Helper()
	c, err := s.Open(context.Background(), CacheName)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	if err := c.Put(context.Background(), key, &fetchdto.Response{Status: 200, Body: []byte(body)}); err != nil {
		t.Fatalf("put: %v", err)
	}
}

func TestClassify(t *testing.T) {
	a := New(offline(), cachestore.NewMemoryStorage(), nil)
	cases := map[string]Strategy{
		origin + "/api/matches":          NetworkFirst,
		"http://localhost:8000/players":  NetworkFirst,
		origin + "/":                     CacheFirst,
		origin + "/manifest.json":        CacheFirst,
		origin + "/static/app.js?v=/api": CacheFirst,
	}
	for url, want := range cases {
		if got := a.Classify(url); got != want {
			t.Errorf("Classify(%s) = %s, want %s", url, got, want)
		}
	}

	a = New(offline(), cachestore.NewMemoryStorage(), nil, WithAPIMarkers([]string{" /v2/ ", ""}))
	if a.Classify(origin+"/api/x") != CacheFirst || a.Classify(origin+"/v2/x") != NetworkFirst {
		t.Fatalf("custom markers not applied: %v", a.markers)
	}
}

func TestNetworkFirstStoresSuccessfulResponse(t *testing.T) {
	caches := cachestore.NewMemoryStorage()
	a := newTestAgent(t, respond(200, `[{"id":1}]`), caches)
	req := &fetchdto.Request{Method: "GET", URL: origin + "/api/matches"}

	resp, err := a.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != `[{"id":1}]` {
		t.Fatalf("unexpected response %d %q", resp.Status, resp.Body)
	}
	a.Drain()

	cached := mustMatch(t, caches, req.Key())
	if cached == nil || string(cached.Body) != `[{"id":1}]` {
		t.Fatalf("response not cached: %+v", cached)
	}
	names, _ := caches.Keys(context.Background())
	if len(names) != 1 || names[0] != CacheName {
		t.Fatalf("expected write into %s, got %v", CacheName, names)
	}
}

func TestNetworkFirstOverwritesCachedEntry(t *testing.T) {
	caches := cachestore.NewMemoryStorage()
	req := &fetchdto.Request{Method: http.MethodGet, URL: origin + "/api/players"}
	putCached(t, caches, req.Key(), "players-v0")

	a := newTestAgent(t, respond(200, "players-v1"), caches)
	resp, err := a.Fetch(context.Background(), req)
	if err != nil || string(resp.Body) != "players-v1" {
		t.Fatalf("expected network body, got %v %v", resp, err)
	}
	a.Drain()

	cached := mustMatch(t, caches, req.Key())
	if cached == nil || string(cached.Body) != "players-v1" {
		t.Fatalf("cached entry not replaced: %+v", cached)
	}
}

func TestNetworkFirstSkipsNon200AndNonGET(t *testing.T) {
	caches := cachestore.NewMemoryStorage()
	a := newTestAgent(t, respond(201, `{}`), caches)

	get := &fetchdto.Request{Method: "GET", URL: origin + "/api/players"}
	if resp, err := a.Fetch(context.Background(), get); err != nil || resp.Status != 201 {
		t.Fatalf("expected 201 passthrough, got %v %v", resp, err)
	}
	a = newTestAgent(t, respond(200, `{}`), caches)
	post := &fetchdto.Request{Method: "POST", URL: origin + "/api/matches", Body: []byte(`{}`)}
	if _, err := a.Fetch(context.Background(), post); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	a.Drain()

	if got := mustMatch(t, caches, get.Key()); got != nil {
		t.Fatalf("201 must not be cached")
	}
	if got := mustMatch(t, caches, post.Key()); got != nil {
		t.Fatalf("POST must not be cached")
	}
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	caches := cachestore.NewMemoryStorage()
	a := newTestAgent(t, offline(), caches)
	req := &fetchdto.Request{Method: "GET", URL: "http://localhost:8000/players"}

	_, err := a.Fetch(context.Background(), req)
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("expected ErrNoResponse without a cached entry, got %v", err)
	}

	putCached(t, caches, req.Key(), "players-v0")
	resp, err := a.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(resp.Body) != "players-v0" {
		t.Fatalf("expected cached body, got %q", resp.Body)
	}
}

func TestNetworkFirstFallbackSearchesOlderGenerations(t *testing.T) {
	caches := cachestore.NewMemoryStorage()
	old, _ := caches.Open(context.Background(), "old-cache-a")
	key := fetchdto.Key("GET", origin+"/api/players")
	_ = old.Put(context.Background(), key, &fetchdto.Response{Status: 200, Body: []byte("old")})

	a := newTestAgent(t, offline(), caches)
	resp, err := a.Fetch(context.Background(), &fetchdto.Request{URL: origin + "/api/players"})
	if err != nil || string(resp.Body) != "old" {
		t.Fatalf("expected entry from older generation, got %v %v", resp, err)
	}
}

func TestCacheFirst(t *testing.T) {
	caches := cachestore.NewMemoryStorage()
	net := respond(200, "from-network")
	a := newTestAgent(t, net, caches)

	cachedReq := &fetchdto.Request{Method: "GET", URL: origin + "/index.html"}
	putCached(t, caches, cachedReq.Key(), "from-cache")

	resp, err := a.Fetch(context.Background(), cachedReq)
	if err != nil || string(resp.Body) != "from-cache" {
		t.Fatalf("expected cached body, got %v %v", resp, err)
	}
	if net.callCount() != 0 {
		t.Fatalf("cache hit must not touch the network, calls=%d", net.callCount())
	}

	missReq := &fetchdto.Request{Method: "GET", URL: origin + "/logo.png"}
	resp, err = a.Fetch(context.Background(), missReq)
	if err != nil || string(resp.Body) != "from-network" {
		t.Fatalf("expected network body, got %v %v", resp, err)
	}
	a.Drain()
	if got := mustMatch(t, caches, missReq.Key()); got != nil {
		t.Fatalf("cache-first miss must not populate the cache")
	}
}

func TestCacheFirstMissOfflinePropagates(t *testing.T) {
	a := newTestAgent(t, offline(), cachestore.NewMemoryStorage())
	_, err := a.Fetch(context.Background(), &fetchdto.Request{URL: origin + "/logo.png"})
	if !errors.Is(err, errOffline) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestOfflineMatchWriteIsQueued(t *testing.T) {
	open, _ := newQueueOpener(t)
	a := New(offline(), cachestore.NewMemoryStorage(), open)

	resp, err := a.Fetch(context.Background(), &fetchdto.Request{
		Method: "POST",
		URL:    origin + "/api/matches",
		Body:   []byte(`{"winner":"Ann"}`),
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Status != http.StatusAccepted || string(resp.Body) != `{"queued":true,"id":1}` {
		t.Fatalf("unexpected ack %d %s", resp.Status, resp.Body)
	}

	n, err := a.Pending()
	if err != nil || n != 1 {
		t.Fatalf("expected one pending record, got %d %v", n, err)
	}
	q, _ := open()
	records, _ := q.GetAll()
	if string(records[0].Payload) != `{"id":1,"winner":"Ann"}` {
		t.Fatalf("unexpected stored payload %s", records[0].Payload)
	}
}

func TestInstallStoresStaticAssets(t *testing.T) {
	caches := cachestore.NewMemoryStorage()
	net := &fakeNet{handler: func(req *fetchdto.Request) (*fetchdto.Response, error) {
		return &fetchdto.Response{Status: 200, Body: []byte("asset " + strings.TrimPrefix(req.URL, origin))}, nil
	}}
	a := newTestAgent(t, net, caches)

	if err := a.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	for _, p := range StaticAssets {
		got := mustMatch(t, caches, fetchdto.Key("GET", origin+p))
		if got == nil || string(got.Body) != "asset "+p {
			t.Fatalf("asset %s not cached: %+v", p, got)
		}
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	caches := cachestore.NewMemoryStorage()
	net := &fakeNet{handler: func(req *fetchdto.Request) (*fetchdto.Response, error) {
		if strings.HasSuffix(req.URL, "/index.html") {
			return &fetchdto.Response{Status: 404}, nil
		}
		return &fetchdto.Response{Status: 200, Body: []byte("ok")}, nil
	}}
	a := newTestAgent(t, net, caches)

	if err := a.Install(context.Background()); err == nil {
		t.Fatalf("expected install failure")
	}
	if got := mustMatch(t, caches, fetchdto.Key("GET", origin+"/")); got != nil {
		t.Fatalf("partial install stored %+v", got)
	}
}

func TestActivateDeletesOldGenerations(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	caches := cachestore.NewRedisStorageFromClient(rdb)

	ctx := context.Background()
	for _, name := range []string{CacheName, "old-cache-a", "old-cache-b"} {
		c, err := caches.Open(ctx, name)
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		_ = c.Put(ctx, "GET "+origin+"/", &fetchdto.Response{Status: 200, Body: []byte(name)})
	}

	a := newTestAgent(t, offline(), caches)
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	names, err := caches.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(names) != 1 || names[0] != CacheName {
		t.Fatalf("expected only %s to remain, got %v", CacheName, names)
	}
	if got := mustMatch(t, caches, "GET "+origin+"/"); got == nil || string(got.Body) != CacheName {
		t.Fatalf("current generation content lost: %+v", got)
	}
}

type failingDelete struct {
	*cachestore.MemoryStorage
}

func (f failingDelete) Delete(ctx context.Context, name string) (bool, error) {
	if name == "old-cache-a" {
		return false, errors.New("boom")
	}
	return f.MemoryStorage.Delete(ctx, name)
}

func TestActivateAttemptsEveryDeletion(t *testing.T) {
	caches := failingDelete{cachestore.NewMemoryStorage()}
	ctx := context.Background()
	for _, name := range []string{"old-cache-a", CacheName, "old-cache-b"} {
		_, _ = caches.Open(ctx, name)
	}
	a := newTestAgent(t, offline(), caches)

	err := a.Activate(ctx)
	if err == nil || !strings.Contains(err.Error(), "old-cache-a") {
		t.Fatalf("expected joined delete error, got %v", err)
	}
	if ok, _ := caches.Has(ctx, "old-cache-b"); ok {
		t.Fatalf("old-cache-b should still be deleted")
	}
}

func TestReplayKeepsFailedRecords(t *testing.T) {
	open, _ := newQueueOpener(t)
	q, err := open()
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	for _, p := range []string{`{"winner":"Ann"}`, `{"winner":"Bob"}`} {
		if _, err := q.Add([]byte(p)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	net := &fakeNet{handler: func(req *fetchdto.Request) (*fetchdto.Response, error) {
		if req.Method != "POST" || req.URL != origin+MatchesPath || req.Header.Get("Content-Type") != "application/json" {
			return nil, fmt.Errorf("unexpected request %s %s", req.Method, req.URL)
		}
		if strings.Contains(string(req.Body), `"id":2`) {
			return nil, errOffline
		}
		return &fetchdto.Response{Status: 200}, nil
	}}
	core, logs := observer.New(zapcore.ErrorLevel)
	a := New(net, cachestore.NewMemoryStorage(), open, WithLogger(zap.New(core)))

	if err := a.HandleSync(context.Background(), SyncTag); err != nil {
		t.Fatalf("HandleSync: %v", err)
	}

	records, err := q.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(records) != 1 || records[0].ID != 2 {
		t.Fatalf("expected only id 2 to remain, got %+v", records)
	}
	if logs.FilterField(zap.Uint64("record_id", 2)).Len() != 1 {
		t.Fatalf("expected one error log for record 2, got %v", logs.All())
	}
	if logs.FilterField(zap.Uint64("record_id", 1)).Len() != 0 {
		t.Fatalf("record 1 should not be logged as an error")
	}
}

func TestReplayKeepsRejectedRecords(t *testing.T) {
	open, _ := newQueueOpener(t)
	q, _ := open()
	_, _ = q.Add([]byte(`{"winner":"Ann"}`))

	a := New(respond(500, ""), cachestore.NewMemoryStorage(), open)
	if err := a.ReplayQueue(context.Background()); err != nil {
		t.Fatalf("ReplayQueue: %v", err)
	}
	if n, _ := q.Count(); n != 1 {
		t.Fatalf("non-2xx reply must keep the record, count=%d", n)
	}
}

func TestReplayEmptyQueue(t *testing.T) {
	net := respond(200, "")
	a := newTestAgent(t, net, cachestore.NewMemoryStorage())
	if err := a.ReplayQueue(context.Background()); err != nil {
		t.Fatalf("ReplayQueue: %v", err)
	}
	if net.callCount() != 0 {
		t.Fatalf("empty queue must not touch the network, calls=%d", net.callCount())
	}
}

func TestReplayOpenFailure(t *testing.T) {
	want := errors.New("database locked")
	a := New(respond(200, ""), cachestore.NewMemoryStorage(), func() (Queue, error) { return nil, want })
	if err := a.ReplayQueue(context.Background()); !errors.Is(err, want) {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestHandleSyncIgnoresOtherTags(t *testing.T) {
	called := false
	a := New(offline(), cachestore.NewMemoryStorage(), func() (Queue, error) {
		called = true
		return nil, errors.New("unexpected")
	})
	if err := a.HandleSync(context.Background(), "sync-players"); err != nil {
		t.Fatalf("HandleSync: %v", err)
	}
	if called {
		t.Fatalf("other tags must not open the queue")
	}
}
