package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the tracker.
type Config struct {
	General     GeneralConfig     `mapstructure:"general"`
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Transcriber TranscriberConfig `mapstructure:"transcriber"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string from either the URL or discrete fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// LLMConfig contains the generative and embedding model settings.
type LLMConfig struct {
	APIKey              string        `mapstructure:"api_key"`
	BaseURL             string        `mapstructure:"base_url"`
	CompletionModel     string        `mapstructure:"completion_model"`
	EmbeddingModel      string        `mapstructure:"embedding_model"`
	EmbeddingDimensions int           `mapstructure:"embedding_dimensions"`
	Temperature         float64       `mapstructure:"temperature"`
	MaxTokens           int           `mapstructure:"max_tokens"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.APIKey) == "" {
		return fmt.Errorf("llm.api_key required")
	}
	if strings.TrimSpace(l.EmbeddingModel) == "" {
		return fmt.Errorf("llm.embedding_model required")
	}
	return nil
}

// PipelineConfig controls retry, lease and chunking behaviour.
type PipelineConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
	ChunkSize    int           `mapstructure:"chunk_size"`
	ChunkOverlap int           `mapstructure:"chunk_overlap"`
	EmbedBatch   int           `mapstructure:"embed_batch"`
}

// RetrievalConfig controls ranking and context assembly.
type RetrievalConfig struct {
	TopK          int     `mapstructure:"top_k"`
	OverFetch     int     `mapstructure:"over_fetch"`
	MaxPerSession int     `mapstructure:"max_per_session"`
	ContextBudget int     `mapstructure:"context_budget"`
	RecencyWeight float64 `mapstructure:"recency_weight"`
	Hybrid        bool    `mapstructure:"hybrid"`
	KeywordPath   string  `mapstructure:"keyword_path"`
}

// DiscoveryConfig lists the legislative sources and their schedule.
type DiscoveryConfig struct {
	Cron     string         `mapstructure:"cron"`
	Lookback time.Duration  `mapstructure:"lookback"`
	Sources  []SourceConfig `mapstructure:"sources"`
}

// SourceConfig is one legislative feed endpoint.
type SourceConfig struct {
	Name    string `mapstructure:"name"`
	Chamber string `mapstructure:"chamber"`
	FeedURL string `mapstructure:"feed_url"`
}

// TranscriberConfig points at the speech-to-text collaborator.
type TranscriberConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Language      string        `mapstructure:"language"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MinConfidence float64       `mapstructure:"min_confidence"`
}

// AcquisitionConfig controls document fetching.
type AcquisitionConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxChars int           `mapstructure:"max_chars"`
}

// LoadConfig loads config from file plus PARLATRACK_* env overrides.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.completion_model", "gpt-4o-mini")
	viper.SetDefault("llm.embedding_model", "text-embedding-3-small")
	viper.SetDefault("llm.embedding_dimensions", 1536)
	viper.SetDefault("llm.timeout", "120s")
	viper.SetDefault("pipeline.max_attempts", 3)
	viper.SetDefault("pipeline.backoff_base", "2s")
	viper.SetDefault("pipeline.backoff_max", "5m")
	viper.SetDefault("pipeline.lease_ttl", "2m")
	viper.SetDefault("pipeline.stage_timeout", "10m")
	viper.SetDefault("pipeline.chunk_size", 2000)
	viper.SetDefault("pipeline.chunk_overlap", 200)
	viper.SetDefault("pipeline.embed_batch", 96)
	viper.SetDefault("retrieval.top_k", 8)
	viper.SetDefault("retrieval.over_fetch", 4)
	viper.SetDefault("retrieval.max_per_session", 0)
	viper.SetDefault("retrieval.context_budget", 24000)
	viper.SetDefault("retrieval.recency_weight", 0.05)
	viper.SetDefault("discovery.cron", "0 */6 * * *")
	viper.SetDefault("discovery.lookback", "336h")
	viper.SetDefault("transcriber.language", "es")
	viper.SetDefault("transcriber.timeout", "15m")
	viper.SetDefault("transcriber.min_confidence", 0.2)
	viper.SetDefault("acquisition.timeout", "60s")
	viper.SetDefault("acquisition.max_chars", 400000)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("PARLATRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// env-only configuration is allowed when no file is present
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Storage.Redis.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
