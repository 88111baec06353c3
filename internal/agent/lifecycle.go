package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/FitchII-cod/billiard-tracker/internal/cachestore"
	"github.com/FitchII-cod/billiard-tracker/pkg/fetchdto"
)

// Install fetches every static asset and stores the set in the current
// generation. Nothing is stored unless all of them succeed.
func (a *Agent) Install(ctx context.Context) error {
	entries := make([]cachestore.Entry, 0, len(StaticAssets))
	for _, path := range StaticAssets {
		req := &fetchdto.Request{Method: http.MethodGet, URL: a.net.URL(path)}
		resp, err := a.net.Do(ctx, req)
		if err != nil {
			return fmt.Errorf("install %s: %w", path, err)
		}
		if !resp.OK() {
			return fmt.Errorf("install %s: status %d", path, resp.Status)
		}
		entries = append(entries, cachestore.Entry{Key: req.Key(), Response: resp})
	}

	cache, err := a.caches.Open(ctx, CacheName)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", CacheName, err)
	}
	if err := cache.AddAll(ctx, entries); err != nil {
		return fmt.Errorf("populate cache %s: %w", CacheName, err)
	}
	a.logger.Info("install_complete", zap.String("cache", CacheName), zap.Int("assets", len(entries)))
	return nil
}

// Activate deletes every cache generation other than the current one.
func (a *Agent) Activate(ctx context.Context) error {
	names, err := a.caches.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	var errs []error
	for _, name := range names {
		if name == CacheName {
			continue
		}
		if _, err := a.caches.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete cache %s: %w", name, err))
			continue
		}
		a.logger.Info("cache_deleted", zap.String("cache", name))
	}
	return errors.Join(errs...)
}
