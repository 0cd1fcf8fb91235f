package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	AI      AIConfig      `yaml:"ai"`
	Engine  EngineConfig  `yaml:"engine"`
	Queue   QueueConfig   `yaml:"queue"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StorageConfig selects the key-value backend. Backend is one of
// "redis", "sqlite" or "memory".
type StorageConfig struct {
	Backend string       `yaml:"backend"`
	Redis   RedisConfig  `yaml:"redis"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	MySQL   MySQLConfig  `yaml:"mysql"`
}

type RedisConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	KeyPrefix    string `yaml:"key_prefix"`
	EventChannel string `yaml:"event_channel"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type MySQLConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AIConfig struct {
	Generation GenerationConfig `yaml:"generation"`
}

type GenerationConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

type EngineConfig struct {
	// ContextTurns is how many trailing turns go into a prompt.
	ContextTurns      int  `yaml:"context_turns"`
	FavorHistoryLimit int  `yaml:"favor_history_limit"`
	RejectWhenBusy    bool `yaml:"reject_when_busy"`
	// RequestStore is "kv" or "mysql".
	RequestStore string `yaml:"request_store"`
	// SyncLookback is how many narrator turns are re-scanned when the
	// collaborator transcript is read.
	SyncLookback int `yaml:"sync_lookback"`
}

type QueueConfig struct {
	MaxWorkers   int `yaml:"max_workers"`
	MaxQueueSize int `yaml:"max_queue_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that runs fully in memory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 150 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Host:         "localhost",
				Port:         6379,
				PoolSize:     10,
				KeyPrefix:    "xinyu:",
				EventChannel: "xinyu:events",
			},
			SQLite: SQLiteConfig{Path: "./data/xinyu.db"},
			MySQL: MySQLConfig{
				Host:            "localhost",
				Port:            3306,
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
			},
		},
		AI: AIConfig{
			Generation: GenerationConfig{
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				MaxTokens:   1000,
				Temperature: 0.8,
				Timeout:     120 * time.Second,
			},
		},
		Engine: EngineConfig{
			ContextTurns:      6,
			FavorHistoryLimit: 50,
			RequestStore:      "kv",
			SyncLookback:      20,
		},
		Queue: QueueConfig{
			MaxWorkers:   4,
			MaxQueueSize: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file on top of Default. An empty
// path skips the file and only applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if apiKey := os.Getenv("XINYU_API_KEY"); apiKey != "" {
		cfg.AI.Generation.APIKey = apiKey
	} else if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && cfg.AI.Generation.APIKey == "" {
		cfg.AI.Generation.APIKey = apiKey
	}
	if baseURL := os.Getenv("XINYU_BASE_URL"); baseURL != "" {
		cfg.AI.Generation.BaseURL = baseURL
	}
	if pw := os.Getenv("XINYU_REDIS_PASSWORD"); pw != "" {
		cfg.Storage.Redis.Password = pw
	}
	if pw := os.Getenv("XINYU_MYSQL_PASSWORD"); pw != "" {
		cfg.Storage.MySQL.Password = pw
	}
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "redis", "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported storage backend: %q", c.Storage.Backend)
	}
	switch c.Engine.RequestStore {
	case "kv", "mysql":
	default:
		return fmt.Errorf("unsupported request store: %q", c.Engine.RequestStore)
	}
	if c.Engine.ContextTurns <= 0 {
		return fmt.Errorf("engine.context_turns must be positive, got %d", c.Engine.ContextTurns)
	}
	if c.Engine.FavorHistoryLimit < 0 {
		return fmt.Errorf("engine.favor_history_limit must not be negative")
	}
	if c.Queue.MaxWorkers <= 0 {
		return fmt.Errorf("queue.max_workers must be positive, got %d", c.Queue.MaxWorkers)
	}
	if c.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("queue.max_queue_size must be positive, got %d", c.Queue.MaxQueueSize)
	}
	if c.AI.Generation.Model == "" {
		return fmt.Errorf("ai.generation.model is required")
	}
	return nil
}
