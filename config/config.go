package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the shopping assistant.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Environment string `mapstructure:"environment"`
}

// Production reports whether the service runs with production defaults.
func (g GeneralConfig) Production() bool {
	return strings.EqualFold(g.Environment, "production")
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	RunTokenTTL    time.Duration `mapstructure:"run_token_ttl"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	DocsFile       string        `mapstructure:"docs_file"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address required")
	}
	if strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret required")
	}
	if s.RunTokenTTL <= 0 {
		return fmt.Errorf("server.run_token_ttl must be > 0")
	}
	return nil
}

// LLMConfig describes the OpenAI-compatible completion endpoint.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	ObjectModel string        `mapstructure:"object_model"` // structured extraction / classification
	StreamModel string        `mapstructure:"stream_model"` // streamed answer generation
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.APIKey) == "" {
		return fmt.Errorf("llm.api_key required")
	}
	if strings.TrimSpace(l.ObjectModel) == "" || strings.TrimSpace(l.StreamModel) == "" {
		return fmt.Errorf("llm.object_model and llm.stream_model required")
	}
	return nil
}

// SearchConfig selects the web search backend.
type SearchConfig struct {
	Provider string        `mapstructure:"provider"` // tavily, serper, brave
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (s SearchConfig) Validate() error {
	switch s.Provider {
	case "tavily", "serper", "brave":
	default:
		return fmt.Errorf("search.provider %q unsupported", s.Provider)
	}
	if strings.TrimSpace(s.APIKey) == "" {
		return fmt.Errorf("search.api_key required")
	}
	return nil
}

// FetchConfig selects how product pages are scraped.
type FetchConfig struct {
	Fetcher   string        `mapstructure:"fetcher"` // http, chromedp
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxChars  int           `mapstructure:"max_chars"`
	UserAgent string        `mapstructure:"user_agent"`
}

func (f FetchConfig) Validate() error {
	switch f.Fetcher {
	case "http", "chromedp":
		return nil
	default:
		return fmt.Errorf("fetch.fetcher %q unsupported", f.Fetcher)
	}
}

// PipelineConfig carries the orchestration policy knobs.
type PipelineConfig struct {
	EnrichConcurrency int           `mapstructure:"enrich_concurrency"`
	MaxCandidates     int           `mapstructure:"max_candidates"`
	MaxProductQueries int           `mapstructure:"max_product_queries"`
	ReviewResults     int           `mapstructure:"review_results"`
	ProductResults    int           `mapstructure:"product_results"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
	Metadata          string        `mapstructure:"metadata"` // memory, redis
	ArchiveTTL        time.Duration `mapstructure:"archive_ttl"`
}

func (p PipelineConfig) Validate() error {
	if p.EnrichConcurrency <= 0 {
		return fmt.Errorf("pipeline.enrich_concurrency must be > 0")
	}
	if p.MaxCandidates <= 0 || p.MaxProductQueries <= 0 {
		return fmt.Errorf("pipeline.max_candidates and pipeline.max_product_queries must be > 0")
	}
	if p.ReviewResults <= 0 || p.ProductResults <= 0 {
		return fmt.Errorf("pipeline.review_results and pipeline.product_results must be > 0")
	}
	if p.RunTimeout <= 0 {
		return fmt.Errorf("pipeline.run_timeout must be > 0")
	}
	switch p.Metadata {
	case "memory", "redis":
	default:
		return fmt.Errorf("pipeline.metadata %q unsupported", p.Metadata)
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
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

// PostgresConfig contains Postgres connection settings
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

// DSN builds the connection string, preferring an explicit url.
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

// TelemetryConfig contains telemetry and monitoring settings.
// OTLPEndpoint is a host:port gRPC collector; tracing stays off when empty.
type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	MetricsPath  string  `mapstructure:"metrics_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// ReaperConfig schedules the sweep that fails runs stuck past the run timeout.
type ReaperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.environment", "development")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.run_token_ttl", time.Hour)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.docs_file", "docs/openapi.yaml")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.object_model", "o3-mini")
	v.SetDefault("llm.stream_model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("search.provider", "tavily")
	v.SetDefault("search.timeout", 20*time.Second)
	v.SetDefault("fetch.fetcher", "http")
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.max_chars", 20000)
	v.SetDefault("fetch.user_agent", "VooliShoppingAssistant/1.0")
	v.SetDefault("pipeline.enrich_concurrency", 10)
	v.SetDefault("pipeline.max_candidates", 5)
	v.SetDefault("pipeline.max_product_queries", 5)
	v.SetDefault("pipeline.review_results", 1)
	v.SetDefault("pipeline.product_results", 1)
	v.SetDefault("pipeline.run_timeout", 15*time.Minute)
	v.SetDefault("pipeline.metadata", "memory")
	v.SetDefault("pipeline.archive_ttl", 30*time.Minute)
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.metrics_path", "/metrics")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.schedule", "*/5 * * * *")
	v.SetDefault("reaper.lock_ttl", 2*time.Minute)
}

// Load reads config.json (or the file at path) and applies VOOLI_* env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("VOOLI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	// AutomaticEnv only resolves keys viper already knows about
	for _, key := range []string{"llm.api_key", "search.api_key", "server.jwt_secret", "storage.postgres.url", "storage.redis.host", "storage.redis.password"} {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section required by the service.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Search.Validate(); err != nil {
		return err
	}
	if err := c.Fetch.Validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Postgres.Validate(); err != nil {
		return err
	}
	if c.Pipeline.Metadata == "redis" || c.Reaper.Enabled {
		if err := c.Storage.Redis.Validate(); err != nil {
			return err
		}
	}
	return nil
}
