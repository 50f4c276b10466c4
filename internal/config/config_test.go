package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Port:                "8000",
		Env:                 "development",
		KnowledgeBaseURL:    "https://rxnav.nlm.nih.gov/REST",
		KnowledgeMaxRetries: 5,
		BreakerThreshold:    5,
		BreakerCooldown:     30 * time.Second,
		SlowEvalThreshold:   2 * time.Second,
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("Port = %s, want 8000", cfg.Port)
	}
	if cfg.BreakerThreshold != 5 {
		t.Errorf("BreakerThreshold = %d, want 5", cfg.BreakerThreshold)
	}
	if cfg.BreakerCooldown != 30*time.Second {
		t.Errorf("BreakerCooldown = %s, want 30s", cfg.BreakerCooldown)
	}
	if cfg.SlowEvalThreshold != 2*time.Second {
		t.Errorf("SlowEvalThreshold = %s, want 2s", cfg.SlowEvalThreshold)
	}
	if cfg.KnowledgeBaseURL == "" {
		t.Error("KnowledgeBaseURL default missing")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("BREAKER_COOLDOWN", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %s, want 9090", cfg.Port)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %s", cfg.RedisURL)
	}
	if cfg.BreakerCooldown != 45*time.Second {
		t.Errorf("BreakerCooldown = %s, want 45s", cfg.BreakerCooldown)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"missing knowledge url": func(c *Config) { c.KnowledgeBaseURL = "" },
		"negative retries":      func(c *Config) { c.KnowledgeMaxRetries = -1 },
		"zero threshold":        func(c *Config) { c.BreakerThreshold = 0 },
		"zero cooldown":         func(c *Config) { c.BreakerCooldown = 0 },
		"zero slow threshold":   func(c *Config) { c.SlowEvalThreshold = 0 },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestEnvModes(t *testing.T) {
	cfg := validConfig()
	if !cfg.IsDev() || cfg.IsProduction() {
		t.Error("development env misclassified")
	}
	cfg.Env = "production"
	if cfg.IsDev() || !cfg.IsProduction() {
		t.Error("production env misclassified")
	}
}
