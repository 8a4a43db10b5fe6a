// Package config loads the YAML service configuration and the catalogs
// exposed through the discovery endpoints.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Queue    QueueConfig    `yaml:"queue"`
	History  HistoryConfig  `yaml:"history"`
	Diarizer DiarizerConfig `yaml:"diarizer"`
}

type ServerConfig struct {
	Port            int    `yaml:"port"`
	MaxUploadSizeMB int64  `yaml:"max_upload_size_mb"`
	UploadDir       string `yaml:"upload_dir"`
	ResultsDir      string `yaml:"results_dir"`
}

type EngineConfig struct {
	Workers         int    `yaml:"workers"`
	DefaultModel    string `yaml:"default_model"`
	DefaultLanguage string `yaml:"default_language"`
	DefaultFormat   string `yaml:"default_format"`
	MaxRetries      int    `yaml:"max_retries"`
}

type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
}

type QueueConfig struct {
	Type       string         `yaml:"type"` // memory | rabbitmq
	BufferSize int            `yaml:"buffer_size"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
}

type RabbitMQConfig struct {
	URL       string `yaml:"url"`
	QueueName string `yaml:"queue_name"`
}

type HistoryConfig struct {
	Type     string         `yaml:"type"` // none | redis | postgres | hybrid
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTLHours int    `yaml:"ttl_hours"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type DiarizerConfig struct {
	// Command is the argv prefix of the external diarization tool.
	Command []string `yaml:"command"`
}

// Load reads and validates the configuration file. The OPENAI_API_KEY
// environment variable overrides the file value so keys stay out of
// committed configs.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.OpenAI.APIKey = key
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate fills defaults and rejects values the service cannot run with.
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" || c.OpenAI.APIKey == "your-openai-api-key-here" {
		return fmt.Errorf("openai.api_key is required (or set OPENAI_API_KEY)")
	}

	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxUploadSizeMB <= 0 {
		c.Server.MaxUploadSizeMB = 512
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = "uploads"
	}
	if c.Server.ResultsDir == "" {
		c.Server.ResultsDir = "results"
	}

	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 2
	}
	if c.Engine.DefaultModel == "" {
		c.Engine.DefaultModel = "base"
	}
	if c.Engine.DefaultLanguage == "" {
		c.Engine.DefaultLanguage = "auto"
	}
	if c.Engine.DefaultFormat == "" {
		c.Engine.DefaultFormat = "txt"
	}
	if c.Engine.MaxRetries <= 0 {
		c.Engine.MaxRetries = 3
	}

	switch c.Queue.Type {
	case "", "memory":
		c.Queue.Type = "memory"
		if c.Queue.BufferSize <= 0 {
			c.Queue.BufferSize = 100
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return fmt.Errorf("queue.rabbitmq.url is required for queue type rabbitmq")
		}
		if c.Queue.RabbitMQ.QueueName == "" {
			c.Queue.RabbitMQ.QueueName = "scribed.jobs"
		}
	default:
		return fmt.Errorf("unknown queue type %q", c.Queue.Type)
	}

	switch c.History.Type {
	case "", "none":
		c.History.Type = "none"
	case "redis", "hybrid":
		if c.History.Redis.Addr == "" {
			return fmt.Errorf("history.redis.addr is required for history type %s", c.History.Type)
		}
		if c.History.Redis.TTLHours <= 0 {
			c.History.Redis.TTLHours = 24 * 7
		}
		if c.History.Type == "hybrid" && c.History.Postgres.DSN == "" {
			return fmt.Errorf("history.postgres.dsn is required for history type hybrid")
		}
	case "postgres":
		if c.History.Postgres.DSN == "" {
			return fmt.Errorf("history.postgres.dsn is required for history type postgres")
		}
	default:
		return fmt.Errorf("unknown history type %q", c.History.Type)
	}

	return nil
}

// AvailableModels lists the whisper model sizes a client may request.
var AvailableModels = []string{"tiny", "base", "small", "medium", "large-v3"}

// SupportedLanguages maps language codes to display names. "auto" lets
// the model detect the language.
var SupportedLanguages = map[string]string{
	"auto": "Auto-detect",
	"en":   "English",
	"es":   "Spanish",
	"fr":   "French",
	"de":   "German",
	"it":   "Italian",
	"pt":   "Portuguese",
	"nl":   "Dutch",
	"ja":   "Japanese",
	"zh":   "Chinese",
	"ko":   "Korean",
	"ru":   "Russian",
	"ar":   "Arabic",
	"hi":   "Hindi",
	"tr":   "Turkish",
	"pl":   "Polish",
	"uk":   "Ukrainian",
	"vi":   "Vietnamese",
}

// ValidModel reports whether name is a known model size.
func ValidModel(name string) bool {
	for _, m := range AvailableModels {
		if m == name {
			return true
		}
	}
	return false
}

// ValidLanguage reports whether code is a supported language code.
func ValidLanguage(code string) bool {
	_, ok := SupportedLanguages[code]
	return ok
}
