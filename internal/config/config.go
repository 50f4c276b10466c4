package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	KnowledgeBaseURL    string        `mapstructure:"KNOWLEDGE_BASE_URL"`
	KnowledgeMaxRetries int           `mapstructure:"KNOWLEDGE_MAX_RETRIES"`
	BreakerThreshold    int           `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
	BreakerCooldown     time.Duration `mapstructure:"BREAKER_COOLDOWN"`
	SlowEvalThreshold   time.Duration `mapstructure:"SLOW_EVAL_THRESHOLD"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("KNOWLEDGE_BASE_URL", "https://rxnav.nlm.nih.gov/REST")
	v.SetDefault("KNOWLEDGE_MAX_RETRIES", 5)
	v.SetDefault("BREAKER_FAILURE_THRESHOLD", 5)
	v.SetDefault("BREAKER_COOLDOWN", "30s")
	v.SetDefault("SLOW_EVAL_THRESHOLD", "2s")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("KNOWLEDGE_BASE_URL")
	v.BindEnv("KNOWLEDGE_MAX_RETRIES")
	v.BindEnv("BREAKER_FAILURE_THRESHOLD")
	v.BindEnv("BREAKER_COOLDOWN")
	v.BindEnv("SLOW_EVAL_THRESHOLD")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. The database and
// Redis URLs are optional: without DATABASE_URL the alert audit log is
// disabled, and without REDIS_URL the evaluation cache falls back to process
// memory.
func (c *Config) Validate() error {
	if c.KnowledgeBaseURL == "" {
		return fmt.Errorf("KNOWLEDGE_BASE_URL is required")
	}
	if c.KnowledgeMaxRetries < 0 {
		return fmt.Errorf("KNOWLEDGE_MAX_RETRIES must be >= 0, got %d", c.KnowledgeMaxRetries)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be >= 1, got %d", c.BreakerThreshold)
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("BREAKER_COOLDOWN must be positive, got %s", c.BreakerCooldown)
	}
	if c.SlowEvalThreshold <= 0 {
		return fmt.Errorf("SLOW_EVAL_THRESHOLD must be positive, got %s", c.SlowEvalThreshold)
	}
	return nil
}
