package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	LLM      LLMConfig      `mapstructure:"llm"      validate:"required"`
	Credits  CreditsConfig  `mapstructure:"credits"  validate:"required"`
	Session  SessionConfig  `mapstructure:"session"  validate:"required"`
	Task     TaskConfig     `mapstructure:"task"     validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// RedisConfig contains the response/text cache settings. An empty address
// disables the cache entirely; the system runs correctly without it.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	ResponseTTL time.Duration `mapstructure:"response_ttl"`
	TextTTL     time.Duration `mapstructure:"text_ttl"`
}

// LLMConfig contains all language-model integration settings.
type LLMConfig struct {
	GeminiAPIKey       string        `mapstructure:"gemini_api_key" validate:"required"`
	ModelName          string        `mapstructure:"model_name"     validate:"required"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"   validate:"required"`
	MaxRetries         int           `mapstructure:"max_retries"    validate:"gte=0"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
	OutputRetryCeiling int           `mapstructure:"output_retry_ceiling" validate:"gte=0"`
}

// CreditsConfig contains the admission-control cost schedule. Costs are in
// credits per thousand estimated input tokens, floored at the minimum charge.
type CreditsConfig struct {
	CostFlashcardsPerKiloToken int64 `mapstructure:"cost_flashcards_per_kilo_token" validate:"gte=0"`
	CostQuestionsPerKiloToken  int64 `mapstructure:"cost_questions_per_kilo_token"  validate:"gte=0"`
	CostTopicsPerKiloToken     int64 `mapstructure:"cost_topics_per_kilo_token"     validate:"gte=0"`
	MinimumCharge              int64 `mapstructure:"minimum_charge"                 validate:"gte=0"`
	AnonymousAllowance         int64 `mapstructure:"anonymous_allowance"            validate:"gte=0"`
}

// SessionConfig contains upload-session limits and garbage collection.
type SessionConfig struct {
	TokenCeiling  int64         `mapstructure:"token_ceiling"  validate:"required,gt=0"`
	InactivityTTL time.Duration `mapstructure:"inactivity_ttl" validate:"required"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required"`
}

// TaskConfig contains task dispatcher settings.
type TaskConfig struct {
	WorkerCount            int           `mapstructure:"worker_count"    validate:"required,gt=0"`
	QueueSize              int           `mapstructure:"queue_size"      validate:"required,gt=0"`
	MaxAttempts            int           `mapstructure:"max_attempts"    validate:"required,gt=0"`
	RetryBaseDelay         time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay          time.Duration `mapstructure:"retry_max_delay"`
	StuckTaskAge           time.Duration `mapstructure:"stuck_task_age"`
	StuckTaskCheckInterval time.Duration `mapstructure:"stuck_task_check_interval"`
}
