// Package config loads the TaskMesh configuration: built-in defaults,
// overridden by an optional YAML file, overridden by TASKMESH_* environment
// variables for the handful of settings that vary per deployment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/taskmesh/engine"
	"github.com/BaSui01/taskmesh/internal/telemetry"
	"github.com/BaSui01/taskmesh/persistence"
	"github.com/BaSui01/taskmesh/provider"
	"github.com/BaSui01/taskmesh/registry"
)

// LogConfig controls the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "json" for production or "console" for development.
	Format string `yaml:"format"`
}

// ServerConfig controls the network surfaces.
type ServerConfig struct {
	// ListenAddr is the websocket provider transport address.
	ListenAddr string `yaml:"listen_addr"`
	// MetricsAddr serves Prometheus metrics; empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Config is the root configuration.
type Config struct {
	// Protocols lists the provider families this coordinator serves; one
	// pool is created per protocol.
	Protocols []string `yaml:"protocols"`

	Log       LogConfig               `yaml:"log"`
	Server    ServerConfig            `yaml:"server"`
	Store     persistence.StoreConfig `yaml:"store"`
	Registry  registry.Config         `yaml:"registry"`
	Engine    engine.Config           `yaml:"engine"`
	Pool      provider.PoolConfig     `yaml:"pool"`
	Worker    provider.WorkerConfig   `yaml:"worker"`
	Telemetry telemetry.Config        `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Protocols: []string{"llm", "coderunner", "mcp"},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			ListenAddr:  ":8280",
			MetricsAddr: ":9090",
		},
		Store: persistence.StoreConfig{
			Type: persistence.StoreTypeMemory,
		},
		Registry: registry.DefaultConfig(),
		Engine:   engine.DefaultConfig(),
		Pool:     provider.DefaultPoolConfig(),
		Worker:   provider.DefaultWorkerConfig(),
		Telemetry: telemetry.Config{
			ServiceName: "taskmesh",
			SampleRate:  0.1,
		},
	}
}

// Load builds the configuration from defaults, the optional file at path,
// and environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides deployment-specific settings from the environment.
func (c *Config) applyEnv() {
	envString("TASKMESH_LOG_LEVEL", &c.Log.Level)
	envString("TASKMESH_LOG_FORMAT", &c.Log.Format)
	envString("TASKMESH_LISTEN_ADDR", &c.Server.ListenAddr)
	envString("TASKMESH_METRICS_ADDR", &c.Server.MetricsAddr)

	if v := os.Getenv("TASKMESH_STORE_TYPE"); v != "" {
		c.Store.Type = persistence.StoreType(v)
	}
	envString("TASKMESH_STORE_DIALECT", &c.Store.Dialect)
	envString("TASKMESH_STORE_DSN", &c.Store.DSN)
	envString("TASKMESH_REDIS_ADDR", &c.Store.RedisAddr)
	envString("TASKMESH_REDIS_PASSWORD", &c.Store.RedisPassword)
	if v := os.Getenv("TASKMESH_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Store.RedisDB = n
		}
	}

	if v := os.Getenv("TASKMESH_OTEL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Telemetry.Enabled = b
		}
	}
	envString("TASKMESH_OTEL_ENDPOINT", &c.Telemetry.Endpoint)
	envString("TASKMESH_OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
