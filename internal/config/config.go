package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Duration lets TOML carry Go duration strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents ~/.relay/config.toml. Every field may be overridden by
// the matching RELAY_* environment variable.
type Config struct {
	DefaultInstance string `toml:"default_instance" env:"RELAY_DEFAULT_INSTANCE"`
	ListenAddr      string `toml:"listen_addr" env:"RELAY_LISTEN_ADDR"`
	LogLevel        string `toml:"log_level" env:"RELAY_LOG_LEVEL"`

	JWTSecret string `toml:"jwt_secret" env:"RELAY_JWT_SECRET"`
	JWTIssuer string `toml:"jwt_issuer" env:"RELAY_JWT_ISSUER"`

	AuthTimeout        Duration `toml:"auth_timeout" env:"RELAY_AUTH_TIMEOUT"`
	HeartbeatInterval  Duration `toml:"heartbeat_interval" env:"RELAY_HEARTBEAT_INTERVAL"`
	HeartbeatTimeout   Duration `toml:"heartbeat_timeout" env:"RELAY_HEARTBEAT_TIMEOUT"`
	HeartbeatMaxMisses int      `toml:"heartbeat_max_misses" env:"RELAY_HEARTBEAT_MAX_MISSES"`
	TypingTTL          Duration `toml:"typing_ttl" env:"RELAY_TYPING_TTL"`
	ChatWorkerIdle     Duration `toml:"chat_worker_idle" env:"RELAY_CHAT_WORKER_IDLE"`

	SendQueueSize  int `toml:"send_queue_size" env:"RELAY_SEND_QUEUE_SIZE"`
	MaxFrameBytes  int `toml:"max_frame_bytes" env:"RELAY_MAX_FRAME_BYTES"`
	RegistryShards int `toml:"registry_shards" env:"RELAY_REGISTRY_SHARDS"`
}

// Defaults returns the configuration used when neither file nor environment set a value.
func Defaults() *Config {
	return &Config{
		DefaultInstance:    "main",
		ListenAddr:         "127.0.0.1:8080",
		LogLevel:           "info",
		JWTIssuer:          "relay",
		AuthTimeout:        Duration{10 * time.Second},
		HeartbeatInterval:  Duration{30 * time.Second},
		HeartbeatTimeout:   Duration{10 * time.Second},
		HeartbeatMaxMisses: 2,
		TypingTTL:          Duration{3 * time.Second},
		ChatWorkerIdle:     Duration{time.Minute},
		SendQueueSize:      64,
		MaxFrameBytes:      64 << 10,
		RegistryShards:     64,
	}
}

// Load reads config from the given path. Returns nil config and error if file missing.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read loads the file at path (a missing file is not an error) and applies
// environment overrides without validating. Tools that only need to locate an
// instance use it.
func Read(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = Defaults(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Resolve is Read followed by Validate.
func Resolve(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("listen_addr is required")
	case c.JWTSecret == "":
		return errors.New("jwt_secret is required (set it in config.toml or RELAY_JWT_SECRET)")
	case c.AuthTimeout.Duration <= 0:
		return errors.New("auth_timeout must be positive")
	case c.HeartbeatInterval.Duration <= 0:
		return errors.New("heartbeat_interval must be positive")
	case c.HeartbeatTimeout.Duration <= 0 || c.HeartbeatTimeout.Duration >= c.HeartbeatInterval.Duration:
		return fmt.Errorf("heartbeat_timeout (%s) must be positive and shorter than heartbeat_interval (%s)",
			c.HeartbeatTimeout.Duration, c.HeartbeatInterval.Duration)
	case c.HeartbeatMaxMisses < 1:
		return errors.New("heartbeat_max_misses must be at least 1")
	case c.TypingTTL.Duration <= 0:
		return errors.New("typing_ttl must be positive")
	case c.ChatWorkerIdle.Duration <= 0:
		return errors.New("chat_worker_idle must be positive")
	case c.SendQueueSize < 1:
		return errors.New("send_queue_size must be at least 1")
	case c.MaxFrameBytes < 1024:
		return errors.New("max_frame_bytes must be at least 1024")
	case c.RegistryShards < 1:
		return errors.New("registry_shards must be at least 1")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
