package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables use the
// PARCHMENT_ prefix with underscores for nesting (PARCHMENT_SERVER_PORT) and
// take precedence over file values. Returns a validated Config or an error
// describing what failed.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PARCHMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; everything can come from the environment.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	// Keys without a meaningful default still need registering, or
	// AutomaticEnv never surfaces them to Unmarshal.
	v.SetDefault("database.url", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.response_ttl", 24*time.Hour)
	v.SetDefault("redis.text_ttl", 6*time.Hour)

	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.call_timeout", 60*time.Second)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_base_delay", 2*time.Second)
	v.SetDefault("llm.output_retry_ceiling", 2)

	v.SetDefault("credits.cost_flashcards_per_kilo_token", 4)
	v.SetDefault("credits.cost_questions_per_kilo_token", 6)
	v.SetDefault("credits.cost_topics_per_kilo_token", 3)
	v.SetDefault("credits.minimum_charge", 1)
	v.SetDefault("credits.anonymous_allowance", 20)

	v.SetDefault("session.token_ceiling", 120_000)
	v.SetDefault("session.inactivity_ttl", 24*time.Hour)
	v.SetDefault("session.sweep_interval", time.Hour)

	v.SetDefault("task.worker_count", 4)
	v.SetDefault("task.queue_size", 128)
	v.SetDefault("task.max_attempts", 4)
	v.SetDefault("task.retry_base_delay", 2*time.Second)
	v.SetDefault("task.retry_max_delay", 2*time.Minute)
	v.SetDefault("task.stuck_task_age", 30*time.Minute)
	v.SetDefault("task.stuck_task_check_interval", 5*time.Minute)
}
