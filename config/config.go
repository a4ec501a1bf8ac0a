// Package config loads runtime configuration from an optional YAML file
// overlaid with environment variables. Environment always wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/queue"
)

// Config is the full runtime configuration.
type Config struct {
	Worker    WorkerConfig    `yaml:"worker"`
	Queue     QueueConfig     `yaml:"queue"`
	Store     StoreConfig     `yaml:"store"`
	Poller    PollerConfig    `yaml:"poller"`
	Execution ExecutionConfig `yaml:"execution"`
	LogLevel  string          `yaml:"logLevel"`
}

// WorkerConfig controls queue consumers.
type WorkerConfig struct {
	Concurrency int    `yaml:"concurrency"`
	QueueName   string `yaml:"queueName"`
}

// QueueConfig selects the queue backend.
type QueueConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig locates the redis server.
type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StoreConfig selects the persistence backend: driver "sqlite" or "mysql"
// with a driver-specific DSN, or "memory".
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// PollerConfig controls the schedule poller.
type PollerConfig struct {
	IntervalSeconds int `yaml:"intervalSeconds"`
}

// ExecutionConfig holds the default execution bounds.
type ExecutionConfig struct {
	MaxLoops               int `yaml:"maxLoops"`
	MaxRetries             int `yaml:"maxRetries"`
	MaxRetrievalRequests   int `yaml:"maxRetrievalRequests"`
	MaxRetrievalFailures   int `yaml:"maxRetrievalFailures"`
	MaxRetrievalDurationMS int `yaml:"maxRetrievalDurationMs"`
}

// Bounds converts the execution defaults into engine bounds.
func (e ExecutionConfig) Bounds() flow.Defaults {
	return flow.Defaults{
		MaxLoops:             e.MaxLoops,
		MaxRetries:           e.MaxRetries,
		MaxRetrievalRequests: e.MaxRetrievalRequests,
		MaxRetrievalFailures: e.MaxRetrievalFailures,
		MaxRetrievalDuration: time.Duration(e.MaxRetrievalDurationMS) * time.Millisecond,
	}
}

// Default returns the stock configuration.
func Default() Config {
	b := flow.DefaultBounds()
	return Config{
		Worker: WorkerConfig{
			Concurrency: queue.DefaultConcurrency,
			QueueName:   queue.QueueWorkflowExecution,
		},
		Queue:  QueueConfig{Redis: RedisConfig{Host: "127.0.0.1", Port: 6379}},
		Store:  StoreConfig{Driver: "sqlite", DSN: "flowrun.db"},
		Poller: PollerConfig{IntervalSeconds: 30},
		Execution: ExecutionConfig{
			MaxLoops:               b.MaxLoops,
			MaxRetries:             b.MaxRetries,
			MaxRetrievalRequests:   b.MaxRetrievalRequests,
			MaxRetrievalFailures:   b.MaxRetrievalFailures,
			MaxRetrievalDurationMS: int(b.MaxRetrievalDuration.Milliseconds()),
		},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envString("FLOWRUN_LOG_LEVEL", &cfg.LogLevel)
	envInt("FLOWRUN_WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
	envString("FLOWRUN_WORKER_QUEUE", &cfg.Worker.QueueName)
	envString("FLOWRUN_REDIS_HOST", &cfg.Queue.Redis.Host)
	envInt("FLOWRUN_REDIS_PORT", &cfg.Queue.Redis.Port)
	envString("FLOWRUN_STORE_DRIVER", &cfg.Store.Driver)
	envString("FLOWRUN_STORE_DSN", &cfg.Store.DSN)
	envInt("FLOWRUN_POLLER_INTERVAL_SECONDS", &cfg.Poller.IntervalSeconds)
	envInt("FLOWRUN_EXECUTION_MAX_LOOPS", &cfg.Execution.MaxLoops)
	envInt("FLOWRUN_EXECUTION_MAX_RETRIES", &cfg.Execution.MaxRetries)
	envInt("FLOWRUN_EXECUTION_MAX_RETRIEVAL_REQUESTS", &cfg.Execution.MaxRetrievalRequests)
	envInt("FLOWRUN_EXECUTION_MAX_RETRIEVAL_FAILURES", &cfg.Execution.MaxRetrievalFailures)
	envInt("FLOWRUN_EXECUTION_MAX_RETRIEVAL_DURATION_MS", &cfg.Execution.MaxRetrievalDurationMS)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
