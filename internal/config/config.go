// Package config loads the runtime configuration from TOML.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/zeusync/ecsnet/internal/core/failure"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Batcher   BatcherConfig   `toml:"batcher"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Logging   LoggingConfig   `toml:"logging"`
	Modules   ModulesConfig   `toml:"modules"`
	Snapshot  SnapshotConfig  `toml:"snapshot"`
}

type ServerConfig struct {
	ListenAddress       string        `toml:"listen_address"`
	Transport           string        `toml:"transport"` // "websocket" or "quic"
	MaxConnections      int           `toml:"max_connections"`
	MaxMessageSize      int           `toml:"max_message_size"`
	SendQueueSize       int           `toml:"send_queue_size"`
	ReadTimeout         time.Duration `toml:"read_timeout"`
	WriteTimeout        time.Duration `toml:"write_timeout"`
	HealthCheckInterval time.Duration `toml:"health_check_interval"`
	IdleAfter           time.Duration `toml:"idle_after"`
	ClientTimeout       time.Duration `toml:"client_timeout"`
	RateLimit           int           `toml:"rate_limit"` // packets per second per client, 0 disables
	TLSCertFile         string        `toml:"tls_cert_file"`
	TLSKeyFile          string        `toml:"tls_key_file"`
	// BridgeChannels are bus channels forwarded to every connection.
	BridgeChannels []uint16 `toml:"bridge_channels"`
}

type BatcherConfig struct {
	FPS           int `toml:"fps"`
	MaxBatchBytes int `toml:"max_batch_bytes"`
}

type ReconnectConfig struct {
	InitialDelayMS uint64  `toml:"initial_delay_ms"`
	MaxDelayMS     uint64  `toml:"max_delay_ms"`
	Multiplier     float64 `toml:"multiplier"`
	MaxAttempts    int     `toml:"max_attempts"` // 0 means unlimited
	Jitter         bool    `toml:"jitter"`
}

type SchedulerConfig struct {
	MaxRetries int `toml:"max_retries"`
}

type LoggingConfig struct {
	Level             string `toml:"level"`
	DashboardCapacity int    `toml:"dashboard_capacity"`
}

type ModulesConfig struct {
	SearchPaths []string `toml:"search_paths"`
	Autoload    []string `toml:"autoload"`
}

type SnapshotConfig struct {
	Driver          string        `toml:"driver"` // "memory" or "postgres"
	DSN             string        `toml:"dsn"`
	MaxConns        int32         `toml:"max_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

// Load reads path over Default and validates the result.
func Load(path string) (*Config, error) {
	const op = "config.load"

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, failure.Wrap(failure.KindNotFound, op, err)
		}
		return nil, failure.Wrap(failure.KindGeneric, op, err)
	}
	return Parse(string(data))
}

// Parse decodes TOML text over Default and validates the result.
func Parse(text string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(text, cfg)
	if err != nil {
		return nil, failure.Wrap(failure.KindInvalidInput, "config.parse", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, failure.Newf(failure.KindInvalidInput, "config.parse", "unknown keys: %s", strings.Join(keys, ", "))
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:       "0.0.0.0:8080",
			Transport:           "websocket",
			MaxConnections:      1000,
			MaxMessageSize:      1 << 20,
			SendQueueSize:       256,
			ReadTimeout:         0,
			WriteTimeout:        10 * time.Second,
			HealthCheckInterval: 5 * time.Second,
			IdleAfter:           10 * time.Second,
			ClientTimeout:       60 * time.Second,
			RateLimit:           0,
		},
		Batcher: BatcherConfig{
			FPS:           60,
			MaxBatchBytes: 64 << 10,
		},
		Reconnect: ReconnectConfig{
			InitialDelayMS: 1000,
			MaxDelayMS:     60000,
			Multiplier:     1.5,
			MaxAttempts:    0,
			Jitter:         true,
		},
		Scheduler: SchedulerConfig{
			MaxRetries: 3,
		},
		Logging: LoggingConfig{
			Level:             "info",
			DashboardCapacity: 1024,
		},
		Modules: ModulesConfig{
			SearchPaths: []string{"modules"},
		},
		Snapshot: SnapshotConfig{
			Driver:          "memory",
			MaxConns:        10,
			ConnMaxLifetime: 30 * time.Minute,
		},
	}
}

func (c *Config) Validate() error {
	const op = "config.validate"
	invalid := func(format string, args ...any) error {
		return failure.Newf(failure.KindInvalidInput, op, format, args...)
	}

	switch {
	case c.Server.ListenAddress == "":
		return invalid("server.listen_address is required")
	case c.Server.Transport != "websocket" && c.Server.Transport != "quic":
		return invalid("server.transport must be websocket or quic, got %q", c.Server.Transport)
	case c.Server.MaxConnections <= 0:
		return invalid("server.max_connections must be positive")
	case c.Server.SendQueueSize <= 0:
		return invalid("server.send_queue_size must be positive")
	case c.Server.MaxMessageSize <= 0:
		return invalid("server.max_message_size must be positive")
	case c.Server.RateLimit < 0:
		return invalid("server.rate_limit cannot be negative")
	case (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == ""):
		return invalid("server.tls_cert_file and server.tls_key_file go together")
	case c.Batcher.FPS <= 0:
		return invalid("batcher.fps must be positive")
	case c.Batcher.MaxBatchBytes <= 0:
		return invalid("batcher.max_batch_bytes must be positive")
	case c.Reconnect.InitialDelayMS == 0:
		return invalid("reconnect.initial_delay_ms must be positive")
	case c.Reconnect.MaxDelayMS < c.Reconnect.InitialDelayMS:
		return invalid("reconnect.max_delay_ms must be at least initial_delay_ms")
	case c.Reconnect.Multiplier < 1:
		return invalid("reconnect.multiplier must be at least 1")
	case c.Reconnect.MaxAttempts < 0:
		return invalid("reconnect.max_attempts cannot be negative")
	case c.Scheduler.MaxRetries < 0:
		return invalid("scheduler.max_retries cannot be negative")
	case c.Logging.DashboardCapacity < 0:
		return invalid("logging.dashboard_capacity cannot be negative")
	case c.Snapshot.Driver != "memory" && c.Snapshot.Driver != "postgres":
		return invalid("snapshot.driver must be memory or postgres, got %q", c.Snapshot.Driver)
	case c.Snapshot.Driver == "postgres" && c.Snapshot.DSN == "":
		return invalid("snapshot.dsn is required for the postgres driver")
	}
	return nil
}
