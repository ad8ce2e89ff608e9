// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/relay-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config           string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host             string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port             int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	ConnectTimeoutMs int    `kong:"help='Upstream connect timeout in milliseconds (overrides config).',env='CONNECT_TIMEOUT_MS'"`
	LogLevel         string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Routes   []RouteConfig  `toml:"routes"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host      string          `toml:"host"`
	Port      int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	ConnectTimeoutMs    int `toml:"connect_timeout_ms"`
	BufferHighWatermark int `toml:"buffer_high_watermark"`
	BufferLowWatermark  int `toml:"buffer_low_watermark"`
}

// RouteConfig is one forwarding rule. The first rule whose host and
// path prefix both match the request wins; a request matching no rule
// is answered with 502 without contacting any upstream.
type RouteConfig struct {
	Host       string            `toml:"host"`        // exact host, or empty for any
	PathPrefix string            `toml:"path_prefix"` // "" matches every path
	Target     string            `toml:"target"`      // upstream host:port
	Mode       string            `toml:"mode"`        // "http" (default) or "tunnel"
	SetHeaders map[string]string `toml:"set_headers"` // headers set on the outbound request
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/relay-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.ConnectTimeoutMs != 0 {
		c.Upstream.ConnectTimeoutMs = cli.ConnectTimeoutMs
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Routes: at least one, each with a usable target and mode.
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one [[routes]] entry is required")
	}
	for i, r := range c.Routes {
		if r.Target == "" {
			return fmt.Errorf("routes[%d].target is required", i)
		}
		if !strings.Contains(r.Target, ":") {
			return fmt.Errorf("routes[%d].target must be host:port; got %q", i, r.Target)
		}
		switch r.Mode {
		case "", "http", "tunnel":
			// valid
		default:
			return fmt.Errorf("routes[%d].mode must be one of: http, tunnel; got %q", i, r.Mode)
		}
		if r.PathPrefix != "" && r.PathPrefix[0] != '/' {
			return fmt.Errorf("routes[%d].path_prefix must start with '/'; got %q", i, r.PathPrefix)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Upstream.ConnectTimeoutMs < 0 {
		return fmt.Errorf("upstream.connect_timeout_ms must be non-negative; got %d", c.Upstream.ConnectTimeoutMs)
	}
	if c.Upstream.BufferHighWatermark < 0 || c.Upstream.BufferLowWatermark < 0 {
		return fmt.Errorf("upstream buffer watermarks must be non-negative")
	}
	if c.Upstream.BufferHighWatermark != 0 && c.Upstream.BufferLowWatermark > c.Upstream.BufferHighWatermark {
		return fmt.Errorf("upstream.buffer_low_watermark must not exceed buffer_high_watermark")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, ConnectTimeoutMs, etc.), zero means "unset"
// because TOML cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Upstream.ConnectTimeoutMs == 0 {
		c.Upstream.ConnectTimeoutMs = 1000
	}
	if c.Upstream.BufferHighWatermark == 0 {
		c.Upstream.BufferHighWatermark = 64 * 1024
	}
	if c.Upstream.BufferLowWatermark == 0 {
		c.Upstream.BufferLowWatermark = c.Upstream.BufferHighWatermark / 2
	}
	for i := range c.Routes {
		if c.Routes[i].Mode == "" {
			c.Routes[i].Mode = "http"
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConnectTimeout returns the upstream connect timeout as a Duration.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
