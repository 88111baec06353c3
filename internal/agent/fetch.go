package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/FitchII-cod/billiard-tracker/pkg/fetchdto"
)

// Fetch answers one intercepted request using the policy chosen by
// Classify. ErrNoResponse is returned when a network-first request fails
// and nothing is cached for it.
func (a *Agent) Fetch(ctx context.Context, req *fetchdto.Request) (*fetchdto.Response, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	if a.Classify(req.URL) == NetworkFirst {
		return a.networkFirst(ctx, req)
	}
	return a.cacheFirst(ctx, req)
}

func (a *Agent) networkFirst(ctx context.Context, req *fetchdto.Request) (*fetchdto.Response, error) {
	resp, err := a.net.Do(ctx, req)
	if err == nil {
		if resp.Status == http.StatusOK && req.Cacheable() {
			a.storeInBackground(req.Key(), resp.Clone())
		}
		return resp, nil
	}

	a.logger.Debug("network_failed", zap.String("url", req.URL), zap.Error(err))
	if isMatchWrite(req) {
		return a.enqueueWrite(req, err)
	}
	if req.Cacheable() {
		cached, merr := a.caches.Match(ctx, req.Key())
		if merr != nil {
			a.logger.Warn("cache_match_failed", zap.String("url", req.URL), zap.Error(merr))
		} else if cached != nil {
			return cached, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoResponse, req.URL)
}

func (a *Agent) cacheFirst(ctx context.Context, req *fetchdto.Request) (*fetchdto.Response, error) {
	if req.Cacheable() {
		cached, err := a.caches.Match(ctx, req.Key())
		if err != nil {
			a.logger.Warn("cache_match_failed", zap.String("url", req.URL), zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}
	return a.net.Do(ctx, req)
}

// storeInBackground writes resp to the current generation without holding
// up the response. Drain waits for it.
func (a *Agent) storeInBackground(key string, resp *fetchdto.Response) {
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		ctx := context.Background()
		cache, err := a.caches.Open(ctx, CacheName)
		if err != nil {
			a.logger.Warn("cache_open_failed", zap.String("cache", CacheName), zap.Error(err))
			return
		}
		if err := cache.Put(ctx, key, resp); err != nil {
			a.logger.Warn("cache_put_failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

func isMatchWrite(req *fetchdto.Request) bool {
	if !strings.EqualFold(strings.TrimSpace(req.Method), http.MethodPost) {
		return false
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return false
	}
	return u.Path == MatchesPath
}

type queuedBody struct {
	Queued bool   `json:"queued"`
	ID     uint64 `json:"id"`
}

// enqueueWrite keeps a match write that could not reach the origin and
// acknowledges it with 202.
func (a *Agent) enqueueWrite(req *fetchdto.Request, netErr error) (*fetchdto.Response, error) {
	q, err := a.openQueue()
	if err != nil {
		return nil, fmt.Errorf("open queue after %v: %w", netErr, err)
	}
	id, err := q.Add(req.Body)
	if err != nil {
		return nil, fmt.Errorf("queue match: %w", err)
	}
	body, _ := json.Marshal(queuedBody{Queued: true, ID: id})
	a.logger.Info("match_queued", zap.Uint64("record_id", id))
	return &fetchdto.Response{
		Status: http.StatusAccepted,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
	}, nil
}
