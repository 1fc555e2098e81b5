package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gradebox/internal/common/cache"
	"gradebox/internal/common/db"
	"gradebox/internal/common/mq"
	"gradebox/internal/common/storage"
	"gradebox/internal/grading/executor"
	"gradebox/internal/grading/filestore"
	"gradebox/internal/grading/limiter"
	"gradebox/internal/grading/reconciler"
	"gradebox/internal/grading/sandbox"
	"gradebox/internal/grading/service"
	"gradebox/pkg/utils/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultGradeTopic      = "grading.tasks"
	defaultHostSlots       = 4
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// QueueConfig selects the work queue backend.
type QueueConfig struct {
	// Driver is "memory" or "kafka".
	Driver       string                   `yaml:"driver"`
	MemoryBuffer int                      `yaml:"memoryBuffer"`
	Dispatch     service.DispatcherConfig `yaml:"dispatch"`
}

// StorageConfig holds submission file settings.
type StorageConfig struct {
	filestore.Config `yaml:",inline"`
	// ObjectBackup copies submissions to the MinIO bucket when an endpoint is set.
	ObjectBackupPrefix string `yaml:"objectBackupPrefix"`
	CompressBackups    bool   `yaml:"compressBackups"`
}

// HostConfig sizes the local execution host pool.
type HostConfig struct {
	Name  string `yaml:"name"`
	Slots int    `yaml:"slots"`
}

// IntakeConfig holds intake settings.
type IntakeConfig struct {
	IdempotencyTTL time.Duration `yaml:"idempotencyTTL"`
}

// AppConfig holds grader-service configuration.
type AppConfig struct {
	Server     ServerConfig        `yaml:"server"`
	Logger     logger.Config       `yaml:"logger"`
	Database   db.MySQLConfig      `yaml:"database"`
	Redis      cache.RedisConfig   `yaml:"redis"`
	Kafka      mq.KafkaConfig      `yaml:"kafka"`
	MinIO      storage.MinIOConfig `yaml:"minio"`
	Queue      QueueConfig         `yaml:"queue"`
	Storage    StorageConfig       `yaml:"storage"`
	Sandbox    sandbox.Config      `yaml:"sandbox"`
	Executor   executor.Config     `yaml:"executor"`
	Host       HostConfig          `yaml:"host"`
	Limiter    limiter.Config      `yaml:"limiter"`
	Reconciler reconciler.Config   `yaml:"reconciler"`
	Intake     IntakeConfig        `yaml:"intake"`
}

// loadAppConfig reads an optional .env file, expands ${VAR} references in the
// YAML and applies defaults.
func loadAppConfig(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env failed: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}
	applyServerDefaults(&cfg.Server)
	applyLoggerDefaults(&cfg.Logger)
	// An empty redis addr disables the status cache, idempotency keys and the sweep lock.
	cfg.Redis.ApplyDefaults()
	applyQueueDefaults(&cfg.Queue)
	applyHostDefaults(&cfg.Host)
	if cfg.Reconciler.Host == "" {
		cfg.Reconciler.Host = cfg.Host.Name
	}
	if cfg.Storage.Root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if cfg.Queue.Driver == "kafka" && len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required for the kafka queue driver")
	}
	return &cfg, nil
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = defaultHTTPAddr
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
}

func applyLoggerDefaults(cfg *logger.Config) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = "stdout"
	}
}

func applyQueueDefaults(cfg *QueueConfig) {
	if cfg.Driver == "" {
		cfg.Driver = "memory"
	}
	if cfg.MemoryBuffer <= 0 {
		cfg.MemoryBuffer = 1024
	}
	if cfg.Dispatch.Topic == "" {
		cfg.Dispatch.Topic = defaultGradeTopic
	}
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = defaultHostSlots
	}
	if cfg.Dispatch.DeadLetterTopic == "" && cfg.Driver == "kafka" {
		cfg.Dispatch.DeadLetterTopic = cfg.Dispatch.Topic + ".dlq"
	}
}

func applyHostDefaults(cfg *HostConfig) {
	if cfg.Name == "" {
		cfg.Name = executor.LocalHostName()
	}
	if cfg.Slots <= 0 {
		cfg.Slots = defaultHostSlots
	}
}
