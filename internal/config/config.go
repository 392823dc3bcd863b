// Package config resolves the daemon's runtime configuration from
// environment variables, with an optional YAML override file watched
// for hot reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/noxterm/noxterm/internal/logger"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	ServerHost string `yaml:"server_host"`
	ServerPort int    `yaml:"server_port"`

	DockerHost string `yaml:"docker_host"`

	DBPath string `yaml:"db_path"`

	SessionIdleTTL      time.Duration `yaml:"-"`
	SessionIdleTTLSecs  int           `yaml:"session_idle_ttl_secs"`
	SessionCreateTimeout time.Duration `yaml:"-"`
	SessionCreateTimeoutSecs int      `yaml:"session_create_timeout_secs"`

	SecurityTier string `yaml:"security_tier"` // hardened | moderate | compat

	AnyoneSocksBin  string `yaml:"anyone_socks_bin"`
	AnyoneSocksPort int    `yaml:"anyone_socks_port"`

	ImageAllowlist []string `yaml:"image_allowlist"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Load resolves the config from environment variables, then merges in
// overridePath if it exists (YAML keys win over env defaults only where
// present — env vars are the baseline, matching the corpus's own
// env-first server config).
func Load(overridePath string) (*Config, error) {
	cfg := &Config{
		ServerHost:               envOr("SERVER_HOST", "0.0.0.0"),
		ServerPort:                envIntOr("SERVER_PORT", 8080),
		DockerHost:                envOr("DOCKER_HOST", ""),
		DBPath:                    envOr("NOXTERM_DB_PATH", "noxterm.db"),
		SessionIdleTTLSecs:        envIntOr("SESSION_IDLE_TTL_SECS", 600),
		SessionCreateTimeoutSecs:  envIntOr("SESSION_CREATE_TIMEOUT_SECS", 30),
		SecurityTier:              envOr("SECURITY_TIER", "hardened"),
		AnyoneSocksBin:            envOr("ANYONE_SOCKS_BIN", ""),
		AnyoneSocksPort:           envIntOr("ANYONE_SOCKS_PORT", 9050),
		LogLevel:                  envOr("LOG_LEVEL", "info"),
		LogFile:                   envOr("LOG_FILE", ""),
	}
	if list := os.Getenv("IMAGE_ALLOWLIST"); list != "" {
		cfg.ImageAllowlist = strings.Split(list, ",")
	}

	if overridePath != "" {
		if err := mergeYAML(cfg, overridePath); err != nil {
			return nil, err
		}
	}

	cfg.SessionIdleTTL = time.Duration(cfg.SessionIdleTTLSecs) * time.Second
	cfg.SessionCreateTimeout = time.Duration(cfg.SessionCreateTimeoutSecs) * time.Second
	return cfg, nil
}

func mergeYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config override: %w", err)
	}
	return yaml.Unmarshal(data, cfg)
}

// WatchOverride reloads cfg in place whenever the YAML override file
// changes, logging (not failing) on parse errors so a bad edit doesn't
// take the daemon down. Grounded on the corpus's own fsnotify-driven
// hot-reload watchers.
func WatchOverride(path string, cfg *Config, onReload func()) error {
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config override: %w", err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := mergeYAML(cfg, path); err != nil {
					logger.Warn("config reload failed", "path", path, "err", err)
					continue
				}
				cfg.SessionIdleTTL = time.Duration(cfg.SessionIdleTTLSecs) * time.Second
				cfg.SessionCreateTimeout = time.Duration(cfg.SessionCreateTimeoutSecs) * time.Second
				logger.Info("config reloaded", "path", path)
				if onReload != nil {
					onReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "err", err)
			}
		}
	}()
	return nil
}
