package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultEnvFile is read when Load is given no explicit dotenv path.
const DefaultEnvFile = ".env"

// Config holds the application configuration loaded from dotenv files and environment variables.
type Config struct {
	AppName               string        `mapstructure:"app_name"`
	LogLevel              string        `mapstructure:"log_level"`
	LogFormat             string        `mapstructure:"log_format"`
	APIKey                string        `mapstructure:"malshare_api_key"`
	BaseURL               string        `mapstructure:"malshare_base_url"`
	UserAgent             string        `mapstructure:"user_agent"`
	RequestTimeoutSeconds int64         `mapstructure:"request_timeout_seconds"`
	RequestTimeout        time.Duration `mapstructure:"-"`

	StorageType    string `mapstructure:"storage_type"`
	BBoltPath      string `mapstructure:"bbolt_path"`
	PublishersFile string `mapstructure:"publishers_file"`
	StrictExit     bool   `mapstructure:"strict_exit"`
}

// Load reads configuration from an optional dotenv file and the environment.
// A missing default dotenv file is ignored; a missing explicit one is an error.
func Load(envFile string) (*Config, error) {
	if strings.TrimSpace(envFile) == "" {
		_ = godotenv.Load(DefaultEnvFile)
	} else if err := godotenv.Load(envFile); err != nil {
		return nil, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	v := viper.New()

	v.SetDefault("app_name", "malshare")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("malshare_api_key", "")
	v.SetDefault("malshare_base_url", "https://malshare.com/api.php")
	v.SetDefault("user_agent", "malshare-cli")
	v.SetDefault("request_timeout_seconds", 0) // no client-side timeout
	v.SetDefault("storage_type", "none")
	v.SetDefault("bbolt_path", "./data/malshare.db")
	v.SetDefault("publishers_file", "")
	v.SetDefault("strict_exit", true)

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.PublishersFile = strings.TrimSpace(cfg.PublishersFile)

	if cfg.RequestTimeoutSeconds < 0 {
		return nil, errors.New("invalid request_timeout_seconds (must be zero or positive seconds)")
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutSeconds) * time.Second

	if cfg.BaseURL == "" {
		return nil, errors.New("malshare_base_url must not be empty")
	}

	return &cfg, nil
}

// Redacted returns a copy safe to log: the API key is masked.
func (c Config) Redacted() Config {
	if c.APIKey != "" {
		c.APIKey = "***"
	}
	return c
}

// EnvKeys lists the environment variables Load consults.
func EnvKeys() []string {
	return []string{
		"APP_NAME", "LOG_LEVEL", "LOG_FORMAT", "MALSHARE_API_KEY", "MALSHARE_BASE_URL",
		"USER_AGENT", "REQUEST_TIMEOUT_SECONDS", "STORAGE_TYPE", "BBOLT_PATH",
		"PUBLISHERS_FILE", "STRICT_EXIT",
	}
}
