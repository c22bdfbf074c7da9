package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Environment names. Only log verbosity depends on this.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the full daemon configuration, loaded from a TOML file with
// environment-variable overrides on top.
type Config struct {
	Server ServerConfig `toml:"server"`
	Socket SocketConfig `toml:"socket"`
	Redis  RedisConfig  `toml:"redis"`
	Auth   AuthConfig   `toml:"auth"`
}

// AuthConfig points at the main application's session-validation endpoint.
// When empty in development, tokens of the form "dev:<userID>" are accepted.
type AuthConfig struct {
	SessionEndpoint string `toml:"session_endpoint"`
}

// ServerConfig contains HTTP/websocket server settings.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
	// WebsocketURL is the public base URL clients dial, e.g. "wss://host/ws".
	WebsocketURL string `toml:"websocket_url"`
	Environment  string `toml:"environment"`
}

// SocketConfig holds websocket connection knobs.
type SocketConfig struct {
	MaxConnections  int `toml:"max_connections"`
	PingInterval    int `toml:"ping_interval_seconds"`
	WriteTimeout    int `toml:"write_timeout_seconds"`
	ReadBufferSize  int `toml:"read_buffer_size"`
	WriteBufferSize int `toml:"write_buffer_size"`
	SendBuffer      int `toml:"send_buffer"`
}

// RedisConfig holds connection settings for the relay and presence store.
// When disabled, the daemon runs standalone with in-memory presence.
type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   ":8090",
			WebsocketURL: "ws://localhost:8090/ws",
			Environment:  EnvDevelopment,
		},
		Socket: SocketConfig{
			MaxConnections:  1000,
			PingInterval:    30,
			WriteTimeout:    10,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			SendBuffer:      256,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "pulse:ws:",
		},
	}
}

// Load reads a TOML configuration file and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// FromEnv returns defaults with env overrides, for running without a file.
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if addr := os.Getenv("PULSE_LISTEN_ADDR"); addr != "" {
		c.Server.ListenAddr = addr
	}
	if url := os.Getenv("PULSE_WEBSOCKET_URL"); url != "" {
		c.Server.WebsocketURL = url
	}
	if env := os.Getenv("PULSE_ENV"); env != "" {
		c.Server.Environment = env
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}
	if prefix := os.Getenv("REDIS_WS_PREFIX"); prefix != "" {
		c.Redis.Prefix = prefix
	}
	if ep := os.Getenv("PULSE_SESSION_ENDPOINT"); ep != "" {
		c.Auth.SessionEndpoint = ep
	}
}

// IsDevelopment reports whether verbose logging should be on.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment != EnvProduction
}
