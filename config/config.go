package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/warp/agency-billing/billing"
)

type HTTPConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

type DBConfig struct {
	Path string
}

type SchedulerConfig struct {
	Enabled  bool
	Interval time.Duration
}

type BillingConfig struct {
	MaxMonths int
}

type Config struct {
	Environment string
	HTTP        HTTPConfig
	DB          DBConfig
	Scheduler   SchedulerConfig
	Billing     BillingConfig
}

// Load reads configuration from the environment and an optional app.env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_HOST", "0.0.0.0")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("DB_PATH", "billing.db")
	v.SetDefault("SCHEDULER_ENABLED", true)
	v.SetDefault("SCHEDULER_INTERVAL", "1h")
	v.SetDefault("BILLING_MAX_MONTHS", billing.DefaultMaxMonths)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:8080")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	interval, err := time.ParseDuration(v.GetString("SCHEDULER_INTERVAL"))
	if err != nil {
		return nil, fmt.Errorf("SCHEDULER_INTERVAL: %w", err)
	}

	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		HTTP: HTTPConfig{
			Host:           v.GetString("HTTP_HOST"),
			Port:           v.GetInt("HTTP_PORT"),
			AllowedOrigins: parseList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
		DB: DBConfig{
			Path: v.GetString("DB_PATH"),
		},
		Scheduler: SchedulerConfig{
			Enabled:  v.GetBool("SCHEDULER_ENABLED"),
			Interval: interval,
		},
		Billing: BillingConfig{
			MaxMonths: v.GetInt("BILLING_MAX_MONTHS"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.DB.Path == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", cfg.HTTP.Port)
	}
	if cfg.Billing.MaxMonths <= 0 {
		return fmt.Errorf("BILLING_MAX_MONTHS must be positive, got %d", cfg.Billing.MaxMonths)
	}
	if cfg.Scheduler.Enabled && cfg.Scheduler.Interval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive when the scheduler is enabled")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func parseList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	items := strings.Split(raw, ",")
	result := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}
