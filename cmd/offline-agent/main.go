package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/FitchII-cod/billiard-tracker/internal/agent"
	"github.com/FitchII-cod/billiard-tracker/internal/cachestore"
	appcfg "github.com/FitchII-cod/billiard-tracker/internal/config"
	"github.com/FitchII-cod/billiard-tracker/internal/obslog"
	"github.com/FitchII-cod/billiard-tracker/internal/platform"
	"github.com/FitchII-cod/billiard-tracker/internal/proxy"
	"github.com/FitchII-cod/billiard-tracker/internal/queue"
	"github.com/FitchII-cod/billiard-tracker/internal/upstream"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	caches, err := openCaches(cfg)
	if err != nil {
		logger.Fatal("cache_storage_init_failed", zap.String("backend", cfg.CacheBackend), zap.Error(err))
	}
	queues := queue.NewOpener(cfg.DataDir)

	origin := upstream.NewClient(cfg.OriginURL, upstream.WithTimeout(cfg.UpstreamTimeout))
	ag := agent.New(origin, caches, agent.OpenerFunc(queues),
		agent.WithLogger(obslog.Named("agent")),
		agent.WithAPIMarkers(cfg.APIMarkers),
	)
	disp := platform.NewDispatcher(ag, obslog.Named("platform"))

	// lifecycle: install must succeed before the agent takes traffic
	if !cfg.SkipInstallOnStartup {
		installTimeout := 2 * cfg.UpstreamTimeout
		if installTimeout <= 0 {
			installTimeout = time.Minute
		}
		ctx, cancel := context.WithTimeout(context.Background(), installTimeout)
		err := disp.DispatchSync(ctx, platform.Event{Type: platform.EventInstall})
		cancel()
		if err != nil {
			logger.Fatal("install_failed", zap.Error(err))
		}
	}
	if err := disp.DispatchSync(context.Background(), platform.Event{Type: platform.EventActivate}); err != nil {
		logger.Error("activate_failed", zap.Error(err))
	}

	srv := proxy.New(ag, cfg.OriginURL,
		func(ctx context.Context, tag string) error {
			return disp.DispatchSync(ctx, platform.Event{Type: platform.EventSync, Tag: tag})
		},
		proxy.WithLogger(obslog.Named("proxy")),
		proxy.WithSyncRate(cfg.SyncRatePerMinute),
	)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(cfg.ListenAddr) }()

	var feed *platform.Feed
	if cfg.PlatformWSURL != "" {
		feed = platform.NewFeed(cfg.PlatformWSURL, cfg.WSReconnectAttempts, time.Second,
			platform.WithFeedLogger(obslog.Named("feed")),
			platform.WithReconnectSync(agent.SyncTag),
			platform.WithPingInterval(cfg.WSPingInterval),
			platform.WithHeader("Authorization", bearer(cfg.PlatformWSToken)),
		)
		feed.OnStateChange(func(state platform.State) {
			logger.Info("feed_state", zap.String("state", state.String()))
		})
		disp.Attach(feed)

		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := feed.Connect(cctx); err != nil {
			// the feed keeps retrying in the background
			logger.Warn("feed_connect_error", zap.Error(err))
		}
		cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			logger.Error("proxy_stopped", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if feed != nil {
		_ = feed.Close(ctx)
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("proxy_shutdown_error", zap.Error(err))
	}
	if err := disp.Shutdown(ctx); err != nil {
		logger.Warn("events_abandoned", zap.Error(err))
	}
	ag.Drain()
	_ = queues.Close()
	_ = caches.Close()
}

func bearer(token string) string {
	if token == "" {
		return ""
	}
	return "Bearer " + token
}

func openCaches(cfg *appcfg.AppConfig) (cachestore.Storage, error) {
	if cfg.CacheBackend != appcfg.BackendRedis {
		return cachestore.NewMemoryStorage(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cachestore.NewRedisStorage(ctx, cfg.RedisURL, cachestore.WithKeyPrefix("billiard-tracker"))
}
