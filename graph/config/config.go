// Package config loads engine, store and logging settings from YAML or JSON.
//
// Example file:
//
//	engine:
//	  max_steps: 50
//	  interrupt_before: [publish]
//	  metrics: true
//	store:
//	  driver: sqlite
//	  path: ./chat_threads.db
//	log:
//	  format: console
//	  level: debug
//
// ${VAR} references are expanded from the environment before parsing, so
// DSNs can carry secrets without committing them.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/dshills/threadgraph/graph"
	"github.com/dshills/threadgraph/graph/emit"
	"github.com/dshills/threadgraph/graph/store"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Log formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatZap     = "zap"
	FormatNone    = "none"
)

// Config is the top-level configuration.
type Config struct {
	Engine EngineConfig `yaml:"engine" json:"engine"`
	Store  StoreConfig  `yaml:"store" json:"store"`
	Log    LogConfig    `yaml:"log" json:"log"`
}

// EngineConfig mirrors the engine's functional options.
type EngineConfig struct {
	MaxSteps        int      `yaml:"max_steps" json:"max_steps"`
	InterruptBefore []string `yaml:"interrupt_before" json:"interrupt_before"`
	InterruptAfter  []string `yaml:"interrupt_after" json:"interrupt_after"`
	Metrics         bool     `yaml:"metrics" json:"metrics"`
}

// StoreConfig selects and addresses the checkpoint store.
type StoreConfig struct {
	// Driver is one of memory, sqlite, mysql, postgres, redis.
	Driver string `yaml:"driver" json:"driver"`

	// Path is the SQLite database file.
	Path string `yaml:"path" json:"path"`

	// DSN addresses MySQL, PostgreSQL or Redis (a redis:// URL).
	DSN string `yaml:"dsn" json:"dsn"`

	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// LogConfig selects the log output.
type LogConfig struct {
	// Format is one of console, json, zap, none.
	Format string `yaml:"format" json:"format"`
	Level  string `yaml:"level" json:"level"`
}

// Default returns an in-memory store with info-level console logging.
func Default() Config {
	return Config{
		Store: StoreConfig{Driver: DriverMemory},
		Log:   LogConfig{Format: FormatConsole, Level: "info"},
	}
}

// Load reads path, choosing YAML or JSON by extension.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return Parse(data, "yaml")
	case ".json":
		return Parse(data, "json")
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// Parse decodes data in the given format ("yaml" or "json") over Default
// and validates the result.
func Parse(data []byte, format string) (Config, error) {
	cfg := Default()
	expanded := []byte(os.ExpandEnv(string(data)))

	switch format {
	case "yaml":
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml: %w", err)
		}
	case "json":
		if err := json.Unmarshal(expanded, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse json: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format: %s", format)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field values without opening anything.
func (c Config) Validate() error {
	if c.Engine.MaxSteps < 0 {
		return fmt.Errorf("engine.max_steps must be >= 0, got %d", c.Engine.MaxSteps)
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for %s", c.Store.Driver)
		}
	case DriverMySQL, DriverPostgres, DriverRedis:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Log.Format {
	case FormatConsole, FormatJSON, FormatZap, FormatNone:
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// EngineOptions converts the engine section into graph options. Metrics
// register with reg when enabled; a nil reg means the default registerer.
// The engine's diagnostic logger writes to w.
func (c Config) EngineOptions(reg prometheus.Registerer, w io.Writer) []graph.Option {
	opts := []graph.Option{
		graph.WithMaxSteps(c.Engine.MaxSteps),
		graph.WithLogger(c.Logger(w)),
	}
	if len(c.Engine.InterruptBefore) > 0 {
		opts = append(opts, graph.WithInterruptBefore(c.Engine.InterruptBefore...))
	}
	if len(c.Engine.InterruptAfter) > 0 {
		opts = append(opts, graph.WithInterruptAfter(c.Engine.InterruptAfter...))
	}
	if c.Engine.Metrics {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		opts = append(opts, graph.WithMetrics(graph.NewPrometheusMetrics(reg)))
	}
	return opts
}

// Logger builds the slog logger the log section describes. The zap format
// has no slog form and gets the console handler.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level := emit.ParseLevel(c.Log.Level)
	switch c.Log.Format {
	case FormatNone:
		return slog.New(slog.DiscardHandler)
	case FormatJSON:
		return emit.NewJSONLogger(w, level)
	default:
		return emit.NewConsoleLogger(w, level)
	}
}

// Emitter builds the event emitter the log section describes.
func (c Config) Emitter(w io.Writer) emit.Emitter {
	switch c.Log.Format {
	case FormatNone:
		return emit.NewNullEmitter()
	case FormatZap:
		return emit.NewZapEmitter(emit.NewZapLogger(c.Log.Level))
	default:
		return emit.NewLogEmitter(c.Logger(w))
	}
}

// OpenStore opens the configured checkpoint store for state type S.
func OpenStore[S any](ctx context.Context, sc StoreConfig) (store.Store[S], error) {
	switch sc.Driver {
	case DriverMemory, "":
		return store.NewMemStore[S](), nil
	case DriverSQLite:
		st, err := store.NewSQLiteStore[S](sc.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case DriverMySQL:
		st, err := store.NewMySQLStore[S](sc.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case DriverPostgres:
		st, err := store.NewPostgresStore[S](ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case DriverRedis:
		var opts []store.RedisOption
		if sc.KeyPrefix != "" {
			opts = append(opts, store.WithKeyPrefix(sc.KeyPrefix))
		}
		st, err := store.NewRedisStoreFromURL[S](ctx, sc.DSN, opts...)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}
