// Package agent implements the offline behaviour of the billiard-tracker
// client: lifecycle handling of the static cache generation, per-request
// fetch policy, and replay of match writes queued while offline.
package agent

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/FitchII-cod/billiard-tracker/internal/cachestore"
	"github.com/FitchII-cod/billiard-tracker/internal/queue"
	"github.com/FitchII-cod/billiard-tracker/pkg/fetchdto"
)

const (
	CacheName = "billiard-tracker-v1"
	SyncTag   = "sync-matches"

	// MatchesPath is where queued matches are replayed to.
	MatchesPath = "/api/matches"
)

// StaticAssets are cached at install time.
var StaticAssets = []string{"/", "/manifest.json", "/index.html"}

var defaultAPIMarkers = []string{"/api/", ":8000"}

var (
	// ErrNoResponse means neither the network nor the cache produced a
	// response.
	ErrNoResponse = errors.New("no response available")
	ErrNilRequest = errors.New("nil request")
)

// Fetcher is the network. Transport failures are errors; every HTTP status
// is a response.
type Fetcher interface {
	Do(ctx context.Context, req *fetchdto.Request) (*fetchdto.Response, error)
	PostJSON(ctx context.Context, path string, body []byte) (*fetchdto.Response, error)
	URL(path string) string
}

type Queue interface {
	Add(payload []byte) (uint64, error)
	GetAll() ([]queue.Record, error)
	Delete(id uint64) error
	Count() (int, error)
}

// QueueOpener returns the queue database, opening it on first use.
type QueueOpener func() (Queue, error)

// OpenerFunc adapts a shared queue.Opener.
func OpenerFunc(o *queue.Opener) QueueOpener {
	return func() (Queue, error) {
		db, err := o.Open()
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

type Strategy int

const (
	CacheFirst Strategy = iota
	NetworkFirst
)

func (s Strategy) String() string {
	if s == NetworkFirst {
		return "network-first"
	}
	return "cache-first"
}

type Agent struct {
	net       Fetcher
	caches    cachestore.Storage
	openQueue QueueOpener
	markers   []string
	logger    *zap.Logger

	// background cache writes
	pending sync.WaitGroup
}

type Option func(*Agent)

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithAPIMarkers replaces the URL substrings that select network-first.
func WithAPIMarkers(markers []string) Option {
	return func(a *Agent) {
		cleaned := make([]string, 0, len(markers))
		for _, m := range markers {
			if m = strings.TrimSpace(m); m != "" {
				cleaned = append(cleaned, m)
			}
		}
		if len(cleaned) > 0 {
			a.markers = cleaned
		}
	}
}

func New(net Fetcher, caches cachestore.Storage, openQueue QueueOpener, opts ...Option) *Agent {
	a := &Agent{
		net:       net,
		caches:    caches,
		openQueue: openQueue,
		markers:   defaultAPIMarkers,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Classify picks the fetch policy for an absolute request URL.
func (a *Agent) Classify(url string) Strategy {
	for _, m := range a.markers {
		if strings.Contains(url, m) {
			return NetworkFirst
		}
	}
	return CacheFirst
}

// Drain waits for background cache writes started by Fetch.
func (a *Agent) Drain() {
	a.pending.Wait()
}

// Pending reports how many match writes are waiting for replay.
func (a *Agent) Pending() (int, error) {
	q, err := a.openQueue()
	if err != nil {
		return 0, err
	}
	return q.Count()
}
