package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/cafgpt/cafgpt/pkg/models"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all cafgpt configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	DBPath     string           `yaml:"db_path"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Completion CompletionConfig `yaml:"completion"`
	Models     ModelsConfig     `yaml:"models"`
	Blob       BlobConfig       `yaml:"blob"`
	Cache      CacheConfig      `yaml:"cache"`
	Budget     BudgetConfig     `yaml:"budget"`
	Admin      AdminConfig      `yaml:"admin"`
	Audit      AuditConfig      `yaml:"audit"`
}

// LedgerConfig controls where the monthly cost ledger is persisted.
// Backend is "file" (default) or "postgres".
type LedgerConfig struct {
	Backend       string  `yaml:"backend"`
	Path          string  `yaml:"path"`
	DatabaseURL   string  `yaml:"database_url"`
	ServerCostUSD float64 `yaml:"server_cost_usd"`
	PerTokenUSD   float64 `yaml:"per_token_usd"`
}

// RateLimitConfig controls per-client admission control.
// Backend is "memory" (default) or "redis".
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Backend       string        `yaml:"backend"`
	RedisURL      string        `yaml:"redis_url"`
	HourlyLimit   int           `yaml:"hourly_limit"`
	DailyLimit    int           `yaml:"daily_limit"`
	TrustedCIDRs  []string      `yaml:"trusted_cidrs"`
	MaxClients    int           `yaml:"max_clients"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// BreakerConfig bounds tool calls per agent turn.
type BreakerConfig struct {
	MaxCalls int `yaml:"max_calls"`
}

// CompletionConfig defines the upstream completion backend.
type CompletionConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Referer           string        `yaml:"referer"`
	Title             string        `yaml:"title"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxConcurrent     int64         `yaml:"max_concurrent"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Temperature       float64       `yaml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens"`
}

// ModelsConfig selects the model used by each flow step.
type ModelsConfig struct {
	Finder   string `yaml:"finder"`
	Chat     string `yaml:"chat"`
	PaceNote string `yaml:"pacenote"`
	Research string `yaml:"research"`
}

// BlobConfig defines the reference document store.
// Backend is "s3" (default) or "dir".
type BlobConfig struct {
	Backend         string `yaml:"backend"`
	Dir             string `yaml:"dir"`
	Bucket          string `yaml:"bucket"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// CacheConfig controls the finder response cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// BudgetConfig controls spend and token budget enforcement.
type BudgetConfig struct {
	Enabled         bool                  `yaml:"enabled"`
	MonthlyLimitUSD float64               `yaml:"monthly_limit_usd"`
	Policies        []models.BudgetPolicy `yaml:"policies"`
}

// AdminConfig controls the JWT-protected admin endpoints.
type AdminConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// AuditConfig controls the request audit log. An empty DBPath shares
// the top-level db_path.
type AuditConfig struct {
	Enabled          bool   `yaml:"enabled"`
	DBPath           string `yaml:"db_path"`
	RetentionDays    int    `yaml:"retention_days"`
	IncludeQuestions bool   `yaml:"include_questions"`
	MaxQuestionChars int    `yaml:"max_question_chars"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "cafgpt.db",
		Ledger: LedgerConfig{
			Backend:       "file",
			Path:          "data/costs.json",
			ServerCostUSD: 15.70,
			PerTokenUSD:   0.000001,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			Backend:       "memory",
			HourlyLimit:   10,
			DailyLimit:    30,
			TrustedCIDRs:  []string{"205.193.0.0/16"},
			MaxClients:    10000,
			SweepInterval: time.Hour,
		},
		Breaker: BreakerConfig{
			MaxCalls: 3,
		},
		Completion: CompletionConfig{
			BaseURL:       "https://openrouter.ai/api/v1",
			Referer:       "https://caf-gpt.fly.dev",
			Title:         "CAF GPT",
			Timeout:       60 * time.Second,
			MaxRetries:    2,
			BaseDelay:     time.Second,
			MaxConcurrent: 50,
			Temperature:   0.1,
			MaxTokens:     4000,
		},
		Models: ModelsConfig{
			Finder:   "anthropic/claude-3.5-sonnet",
			Chat:     "anthropic/claude-3.5-sonnet",
			PaceNote: "anthropic/claude-3.5-sonnet",
			Research: "anthropic/claude-3.5-sonnet",
		},
		Blob: BlobConfig{
			Backend:  "s3",
			Endpoint: "https://fly.storage.tigris.dev",
			Region:   "auto",
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     24 * time.Hour,
		},
		Admin: AdminConfig{
			Issuer:   "cafgpt",
			TokenTTL: 24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:          true,
			RetentionDays:    90,
			MaxQuestionChars: 500,
		},
	}
}

// LoadEnv loads KEY=value pairs from .env files into the process
// environment. Missing files are ignored; existing variables win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

// Load reads a YAML config file and expands environment variables.
// An empty path skips the file and returns the defaults.
// Well-known environment variables fill any field the file leaves empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv fills unset fields from the deployment environment.
func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" && cfg.Listen == ":8080" {
		cfg.Listen = ":" + port
	}
	setIfEmpty(&cfg.Completion.APIKey, "OPENROUTER_API_KEY")
	setIfEmpty(&cfg.Blob.Bucket, "BUCKET_NAME")
	setIfEmpty(&cfg.Blob.AccessKeyID, "AWS_ACCESS_KEY_ID")
	setIfEmpty(&cfg.Blob.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	setIfEmpty(&cfg.Ledger.DatabaseURL, "DATABASE_URL")
	setIfEmpty(&cfg.RateLimit.RedisURL, "REDIS_URL")
	setIfEmpty(&cfg.Admin.JWTSecret, "JWT_SECRET")

	overrideFromEnv(&cfg.Blob.Endpoint, "AWS_ENDPOINT_URL_S3")
	overrideFromEnv(&cfg.Blob.Region, "AWS_REGION")
	overrideFromEnv(&cfg.Models.PaceNote, "FN_MODEL")
	overrideFromEnv(&cfg.Models.Finder, "READER_MODEL")
	overrideFromEnv(&cfg.Models.Chat, "MAIN_MODEL")
}

func setIfEmpty(field *string, key string) {
	if *field != "" {
		return
	}
	*field = os.Getenv(key)
}

func overrideFromEnv(field *string, key string) {
	if v := os.Getenv(key); v != "" {
		*field = v
	}
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.RateLimit.HourlyLimit <= 0 || c.RateLimit.DailyLimit <= 0 {
		errs = append(errs, errors.New("ratelimit: hourly_limit and daily_limit must be positive"))
	}
	if c.RateLimit.Backend == "redis" && c.RateLimit.RedisURL == "" {
		errs = append(errs, errors.New("ratelimit: redis backend requires redis_url"))
	}
	if c.Breaker.MaxCalls <= 0 {
		errs = append(errs, errors.New("breaker: max_calls must be positive"))
	}
	if c.Completion.APIKey == "" {
		errs = append(errs, errors.New("completion: api_key is required"))
	}
	if c.Completion.MaxRetries < 0 {
		errs = append(errs, errors.New("completion: max_retries must not be negative"))
	}
	switch c.Ledger.Backend {
	case "file":
		if c.Ledger.Path == "" {
			errs = append(errs, errors.New("ledger: path is required for the file backend"))
		}
	case "postgres":
		if c.Ledger.DatabaseURL == "" {
			errs = append(errs, errors.New("ledger: database_url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger: unknown backend %q", c.Ledger.Backend))
	}
	switch c.Blob.Backend {
	case "s3":
		if c.Blob.Bucket == "" {
			errs = append(errs, errors.New("blob: bucket is required for the s3 backend"))
		}
	case "dir":
		if c.Blob.Dir == "" {
			errs = append(errs, errors.New("blob: dir is required for the dir backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob: unknown backend %q", c.Blob.Backend))
	}
	return errors.Join(errs...)
}
