// Package config defines the mcpd configuration surface and loads it with
// viper from a YAML file and MCPD_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transports selects and configures transport drivers.
type Transports struct {
	// Default is the driver started by `mcpd serve`: stdio or http.
	Default  string `mapstructure:"default"`
	HTTPAddr string `mapstructure:"http_addr"`
	SSEAddr  string `mapstructure:"sse_addr"`
}

// Events controls the lifecycle event bus.
type Events struct {
	Enabled bool `mapstructure:"enabled"`
	Async   bool `mapstructure:"async"`
}

// Queue controls the external work queue used by queued notification
// delivery and the async pipeline.
type Queue struct {
	Enabled bool   `mapstructure:"enabled"`
	Default string `mapstructure:"default"`
}

// Notifications carries the hub defaults applied when per-notification
// options are absent.
type Notifications struct {
	Enabled   bool          `mapstructure:"enabled"`
	Priority  string        `mapstructure:"priority"`
	Tries     int           `mapstructure:"tries"`
	Backoff   time.Duration `mapstructure:"backoff"`
	Queue     string        `mapstructure:"queue"`
	ResultTTL time.Duration `mapstructure:"result_ttl"`
	// Buffer bounds the per-subscription delivery queue; overflow drops
	// the oldest pending notification instead of blocking broadcast.
	Buffer int `mapstructure:"buffer"`
}

// Auth configures the api-key example hook.
type Auth struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CORS configures the HTTP transport's cross-origin policy.
type CORS struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	MaxAge         int      `mapstructure:"max_age"`
}

// Cache points at the external redis cache backing async job state.
type Cache struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Request holds per-request execution limits.
type Request struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Config is the full recognized configuration surface.
type Config struct {
	ServerName    string        `mapstructure:"server_name"`
	ServerVersion string        `mapstructure:"server_version"`
	LogLevel      string        `mapstructure:"log_level"`
	Transports    Transports    `mapstructure:"transports"`
	Events        Events        `mapstructure:"events"`
	Queue         Queue         `mapstructure:"queue"`
	Notifications Notifications `mapstructure:"notifications"`
	Auth          Auth          `mapstructure:"auth"`
	CORS          CORS          `mapstructure:"cors"`
	Cache         Cache         `mapstructure:"cache"`
	Request       Request       `mapstructure:"request"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		ServerName:    "mcpd",
		ServerVersion: "0.1.0",
		LogLevel:      "info",
		Transports: Transports{
			Default:  "stdio",
			HTTPAddr: ":8090",
			SSEAddr:  ":8091",
		},
		Events:        Events{Enabled: true},
		Queue:         Queue{Default: "mcpd:notifications"},
		Notifications: Notifications{Enabled: true, Priority: "normal", Tries: 3, Backoff: time.Second, ResultTTL: time.Hour, Buffer: 128},
		CORS: CORS{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-MCP-API-Key", "X-MCP-Session-Id"},
			MaxAge:         300,
		},
		Cache:   Cache{Addr: "localhost:6379"},
		Request: Request{Timeout: 30 * time.Second},
	}
}

// Load reads configuration from path (optional) and the environment, layered
// over Default.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MCPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Transports.Default != "stdio" && cfg.Transports.Default != "http" {
		return Config{}, fmt.Errorf("transports.default must be stdio or http, got %q", cfg.Transports.Default)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("server_name", def.ServerName)
	v.SetDefault("server_version", def.ServerVersion)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("transports.default", def.Transports.Default)
	v.SetDefault("transports.http_addr", def.Transports.HTTPAddr)
	v.SetDefault("transports.sse_addr", def.Transports.SSEAddr)
	v.SetDefault("events.enabled", def.Events.Enabled)
	v.SetDefault("events.async", def.Events.Async)
	v.SetDefault("queue.enabled", def.Queue.Enabled)
	v.SetDefault("queue.default", def.Queue.Default)
	v.SetDefault("notifications.enabled", def.Notifications.Enabled)
	v.SetDefault("notifications.priority", def.Notifications.Priority)
	v.SetDefault("notifications.tries", def.Notifications.Tries)
	v.SetDefault("notifications.backoff", def.Notifications.Backoff)
	v.SetDefault("notifications.result_ttl", def.Notifications.ResultTTL)
	v.SetDefault("notifications.buffer", def.Notifications.Buffer)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("cors.allowed_origins", def.CORS.AllowedOrigins)
	v.SetDefault("cors.allowed_methods", def.CORS.AllowedMethods)
	v.SetDefault("cors.allowed_headers", def.CORS.AllowedHeaders)
	v.SetDefault("cors.max_age", def.CORS.MaxAge)
	v.SetDefault("cache.addr", def.Cache.Addr)
	v.SetDefault("cache.db", def.Cache.DB)
	v.SetDefault("request.timeout", def.Request.Timeout)
}
