// Package config loads service configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server struct {
		Port        int `mapstructure:"port"`
		MetricsPort int `mapstructure:"metrics_port"`
	} `mapstructure:"server"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`

	LLM struct {
		BaseURL   string        `mapstructure:"base_url"`
		APIKey    string        `mapstructure:"api_key"`
		Model     string        `mapstructure:"model"`
		Timeout   time.Duration `mapstructure:"timeout"`
		RetryWait time.Duration `mapstructure:"retry_wait"`
	} `mapstructure:"llm"`

	Search struct {
		BaseURL string        `mapstructure:"base_url"`
		APIKey  string        `mapstructure:"api_key"`
		Timeout time.Duration `mapstructure:"timeout"`
		Pause   time.Duration `mapstructure:"pause"`
	} `mapstructure:"search"`

	Archive struct {
		Enabled bool   `mapstructure:"enabled"`
		Driver  string `mapstructure:"driver"`
		DSN     string `mapstructure:"dsn"`
	} `mapstructure:"archive"`

	RatePolicyPath string `mapstructure:"rate_policy_path"`

	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// Load reads CONFIG_PATH (default ./config/planforge.yaml) when present,
// applies env overrides, and fills defaults. A missing file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/planforge.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(underlying(err)) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required (LLM_API_KEY)")
	}
	if cfg.Search.APIKey == "" {
		return nil, fmt.Errorf("search api key is required (SEARCH_API_KEY)")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.metrics_port", 2112)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("llm.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.retry_wait", "500ms")
	v.SetDefault("search.base_url", "https://api.tavily.com")
	v.SetDefault("search.timeout", "30s")
	v.SetDefault("search.pause", "200ms")
	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.driver", "sqlite3")
	v.SetDefault("archive.dsn", "planforge.db")
	v.SetDefault("tracing.service_name", "planforge-orchestrator")
	v.SetDefault("logging.level", "info")
}

func applyEnvOverrides(cfg *Config) {
	if s := os.Getenv("PORT"); s != "" {
		var p int
		if _, err := fmt.Sscanf(s, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	if s := os.Getenv("METRICS_PORT"); s != "" {
		var p int
		if _, err := fmt.Sscanf(s, "%d", &p); err == nil && p > 0 {
			cfg.Server.MetricsPort = p
		}
	}
	if s := os.Getenv("REDIS_ADDR"); s != "" {
		cfg.Redis.Addr = s
	}
	if s := os.Getenv("REDIS_PASSWORD"); s != "" {
		cfg.Redis.Password = s
	}
	if s := os.Getenv("LLM_BASE_URL"); s != "" {
		cfg.LLM.BaseURL = s
	}
	if s := os.Getenv("LLM_API_KEY"); s != "" {
		cfg.LLM.APIKey = s
	}
	if s := os.Getenv("LLM_MODEL"); s != "" {
		cfg.LLM.Model = s
	}
	if s := os.Getenv("SEARCH_BASE_URL"); s != "" {
		cfg.Search.BaseURL = s
	}
	if s := os.Getenv("SEARCH_API_KEY"); s != "" {
		cfg.Search.APIKey = s
	}
	if s := os.Getenv("ARCHIVE_DRIVER"); s != "" {
		cfg.Archive.Driver = s
	}
	if s := os.Getenv("ARCHIVE_DSN"); s != "" {
		cfg.Archive.DSN = s
	}
	if s := os.Getenv("RATE_POLICY_PATH"); s != "" {
		cfg.RatePolicyPath = s
	}
	if s := os.Getenv("OTLP_ENDPOINT"); s != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.OTLPEndpoint = s
	}
	if s := os.Getenv("LOG_LEVEL"); s != "" {
		cfg.Logging.Level = s
	}
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
