package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

type AppConfig struct {
	OriginURL  string
	ListenAddr string
	DataDir    string

	CacheBackend string // redis | memory
	RedisURL     string

	PlatformWSURL        string
	PlatformWSToken      string // sent as a bearer token on the feed handshake
	WSReconnectAttempts  int
	WSPingInterval       time.Duration
	UpstreamTimeout      time.Duration
	SyncRatePerMinute    int
	APIMarkers           []string
	SkipInstallOnStartup bool
}

// fileConfig mirrors AppConfig for the optional YAML overlay.
type fileConfig struct {
	OriginURL           string   `yaml:"origin_url"`
	ListenAddr          string   `yaml:"listen"`
	DataDir             string   `yaml:"data_dir"`
	CacheBackend        string   `yaml:"cache_backend"`
	RedisURL            string   `yaml:"redis_url"`
	PlatformWSURL       string   `yaml:"platform_ws_url"`
	PlatformWSToken     string   `yaml:"platform_ws_token"`
	WSReconnectAttempts *int     `yaml:"ws_reconnect_attempts"`
	WSPingInterval      string   `yaml:"ws_ping_interval"`
	UpstreamTimeout     string   `yaml:"upstream_timeout"`
	SyncRatePerMinute   int      `yaml:"sync_rate_per_minute"`
	APIMarkers          []string `yaml:"api_markers"`
	SkipInstall         *bool    `yaml:"skip_install"`
}

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:          "127.0.0.1:8080",
		DataDir:             "data",
		CacheBackend:        BackendMemory,
		WSReconnectAttempts: 5,
		WSPingInterval:      30 * time.Second,
		UpstreamTimeout:     30 * time.Second,
		SyncRatePerMinute:   30,
		APIMarkers:          []string{"/api/", ":8000"},
	}

	if path := strings.TrimSpace(os.Getenv("AGENT_CONFIG_FILE")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if v := strings.TrimSpace(os.Getenv("ORIGIN_URL")); v != "" {
		cfg.OriginURL = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENT_LISTEN")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENT_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("CACHE_BACKEND")); v != "" {
		cfg.CacheBackend = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("PLATFORM_WS_URL")); v != "" {
		cfg.PlatformWSURL = v
	}
	if v := strings.TrimSpace(os.Getenv("PLATFORM_WS_TOKEN")); v != "" {
		cfg.PlatformWSToken = v
	}
	if v := strings.TrimSpace(os.Getenv("WS_PING_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.WSPingInterval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("WS_RECONNECT_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.WSReconnectAttempts = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("UPSTREAM_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.UpstreamTimeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("SYNC_RATE_PER_MINUTE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SyncRatePerMinute = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("API_MARKERS")); v != "" {
		if markers := splitList(v); len(markers) > 0 {
			cfg.APIMarkers = markers
		}
	}
	if v := strings.TrimSpace(os.Getenv("SKIP_INSTALL")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SkipInstallOnStartup = b
		}
	}

	cfg.OriginURL = strings.TrimRight(cfg.OriginURL, "/")
	if cfg.OriginURL == "" {
		return nil, errors.New("ORIGIN_URL is required")
	}
	switch cfg.CacheBackend {
	case BackendMemory:
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required for the redis cache backend")
		}
	default:
		return nil, fmt.Errorf("unknown CACHE_BACKEND %q", cfg.CacheBackend)
	}
	return cfg, nil
}

func (cfg *AppConfig) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if s := strings.TrimSpace(fc.OriginURL); s != "" {
		cfg.OriginURL = s
	}
	if s := strings.TrimSpace(fc.ListenAddr); s != "" {
		cfg.ListenAddr = s
	}
	if s := strings.TrimSpace(fc.DataDir); s != "" {
		cfg.DataDir = s
	}
	if s := strings.TrimSpace(fc.CacheBackend); s != "" {
		cfg.CacheBackend = strings.ToLower(s)
	}
	if s := strings.TrimSpace(fc.RedisURL); s != "" {
		cfg.RedisURL = s
	}
	if s := strings.TrimSpace(fc.PlatformWSURL); s != "" {
		cfg.PlatformWSURL = s
	}
	if s := strings.TrimSpace(fc.PlatformWSToken); s != "" {
		cfg.PlatformWSToken = s
	}
	if fc.WSReconnectAttempts != nil {
		if *fc.WSReconnectAttempts < 0 {
			return fmt.Errorf("ws_reconnect_attempts: %d is negative", *fc.WSReconnectAttempts)
		}
		cfg.WSReconnectAttempts = *fc.WSReconnectAttempts
	}
	if s := strings.TrimSpace(fc.WSPingInterval); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return fmt.Errorf("ws_ping_interval: invalid duration %q", s)
		}
		cfg.WSPingInterval = d
	}
	if s := strings.TrimSpace(fc.UpstreamTimeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("upstream_timeout: %w", err)
		}
		cfg.UpstreamTimeout = d
	}
	if fc.SyncRatePerMinute > 0 {
		cfg.SyncRatePerMinute = fc.SyncRatePerMinute
	}
	if markers := trimAll(fc.APIMarkers); len(markers) > 0 {
		cfg.APIMarkers = markers
	}
	if fc.SkipInstall != nil {
		cfg.SkipInstallOnStartup = *fc.SkipInstall
	}
	return nil
}

func splitList(v string) []string {
	return trimAll(strings.Split(v, ","))
}

func trimAll(in []string) []string {
	var out []string
	for _, p := range in {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
