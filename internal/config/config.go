// Package config loads the server configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/luuplife/server/internal/live"
	"github.com/luuplife/server/internal/logging"
	"github.com/luuplife/server/internal/session"
	"github.com/luuplife/server/internal/ws"
)

// Config is the complete server configuration. Defaults are provided via
// struct tags.
type Config struct {
	ListenAddr    string `env:"LISTEN_ADDR,default=:8001"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL,default=http://localhost:9000"`
	// AllowedOrigins is a semicolon separated list of browser origins.
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	// RedisURL selects the durable backend; "none" keeps sessions in memory.
	RedisURL string `env:"REDIS_URL,default=redis://localhost:6379/0"`
	// NATSURL enables session events on NATS when set.
	NATSURL  string `env:"NATS_URL"`
	DataDir  string `env:"DATA_DIR,default=tmp_data"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	SessionTTL     time.Duration `env:"SESSION_TTL,default=20m"`
	ReadGrace      time.Duration `env:"READ_GRACE,default=2m"`
	ReapGrace      time.Duration `env:"REAP_GRACE,default=5m"`
	ReapInterval   time.Duration `env:"REAP_INTERVAL,default=5m"`
	ProbeInterval  time.Duration `env:"PROBE_INTERVAL,default=30s"`
	BackendTimeout time.Duration `env:"BACKEND_TIMEOUT,default=2s"`

	MaxUploadBytes  int64 `env:"MAX_UPLOAD_BYTES,default=8388608"`
	MaxSessionBytes int64 `env:"MAX_SESSION_BYTES,default=67108864"`
	MaxFiles        int   `env:"MAX_FILES,default=10"`

	WorkerPoolSize int           `env:"WORKER_POOL_SIZE,default=256"`
	MaxConnections int           `env:"MAX_CONNECTIONS,default=10000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT,default=10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	SendQueueSize  int           `env:"SEND_QUEUE_SIZE,default=64"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Load decodes the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values envdecode cannot check on its own.
func (c Config) Validate() error {
	if err := c.Session().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if u, err := url.Parse(c.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: PUBLIC_BASE_URL must be an absolute URL, got %q", c.PublicBaseURL)
	}
	switch {
	case c.ListenAddr == "":
		return errors.New("config: LISTEN_ADDR is required")
	case c.DataDir == "":
		return errors.New("config: DATA_DIR is required")
	case c.BackendTimeout <= 0:
		return errors.New("config: BACKEND_TIMEOUT must be positive")
	case c.MaxFiles < 1 || c.MaxUploadBytes < 1 || c.MaxSessionBytes < c.MaxUploadBytes:
		return errors.New("config: upload limits must be positive and MAX_SESSION_BYTES at least MAX_UPLOAD_BYTES")
	case c.WorkerPoolSize < 1 || c.MaxConnections < 1 || c.SendQueueSize < 1:
		return errors.New("config: WORKER_POOL_SIZE, MAX_CONNECTIONS and SEND_QUEUE_SIZE must be positive")
	}
	return nil
}

// UseRedis reports whether a durable backend is configured.
func (c Config) UseRedis() bool {
	v := strings.TrimSpace(c.RedisURL)
	return v != "" && !strings.EqualFold(v, "none")
}

// PublicHost returns the host name of PublicBaseURL.
func (c Config) PublicHost() string {
	u, err := url.Parse(c.PublicBaseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Session returns the session store lifetime settings.
func (c Config) Session() session.Config {
	return session.Config{
		TTL:           c.SessionTTL,
		ReadGrace:     c.ReadGrace,
		ReapGrace:     c.ReapGrace,
		ReapInterval:  c.ReapInterval,
		ProbeInterval: c.ProbeInterval,
	}
}

// Limits returns the upload limits with the remaining defaults.
func (c Config) Limits() live.Limits {
	l := live.DefaultLimits()
	l.MaxFiles = c.MaxFiles
	l.MaxUploadBytes = c.MaxUploadBytes
	l.MaxSessionBytes = c.MaxSessionBytes
	return l
}

// Server returns the WebSocket server settings.
func (c Config) Server() ws.ServerConfig {
	s := ws.DefaultServerConfig()
	s.WorkerPoolSize = c.WorkerPoolSize
	s.MaxConnections = c.MaxConnections
	s.ReadTimeout = c.ReadTimeout
	s.WriteTimeout = c.WriteTimeout
	s.SendQueueSize = c.SendQueueSize
	return s
}
