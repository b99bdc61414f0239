package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration, read from the environment.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SweepInterval            time.Duration
	SweepProbability         float64
	HistoryMaxMessages       int
	MetricsNamespace         string
	AllowAnyOrigin           bool
	DefaultContact           string
	SeedContacts             []string
	RateLimitRPS             float64
	RateLimitBurst           int

	StoreBackend string
	DatabaseURL  string
	RedisURL     string
	StoreTimeout time.Duration

	GenerationMode        string
	AzureOpenAIEndpoint   string
	AzureOpenAIAPIKey     string
	AzureOpenAIDeployment string
	AzureOpenAIAPIVersion string
	OpenAIAPIKey          string
	OpenAIModel           string
	GenerationHTTPURL     string
	GenerationTimeout     time.Duration
	GenerationTemperature float64

	LogLevel  string
	LogFormat string
}

// LoadDotEnv reads a .env file into the process environment when one exists.
// Variables already set are left untouched.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads Config from the environment and validates it.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "jackie"),
		DefaultContact:        envOrDefault("APP_DEFAULT_CONTACT", "+33686796460"),
		SeedContacts:          listFromEnv("APP_SEED_CONTACTS"),
		StoreBackend:          strings.ToLower(envOrDefault("STORE_BACKEND", "auto")),
		DatabaseURL:           strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:              strings.TrimSpace(os.Getenv("REDIS_URL")),
		GenerationMode:        strings.ToLower(envOrDefault("GENERATION_MODE", "auto")),
		AzureOpenAIEndpoint:   strings.TrimSpace(os.Getenv("AZURE_OPENAI_ENDPOINT")),
		AzureOpenAIAPIKey:     strings.TrimSpace(os.Getenv("AZURE_OPENAI_API_KEY")),
		AzureOpenAIDeployment: strings.TrimSpace(os.Getenv("AZURE_OPENAI_DEPLOYMENT_NAME")),
		AzureOpenAIAPIVersion: envOrDefault("AZURE_OPENAI_API_VERSION", "2025-01-01-preview"),
		OpenAIAPIKey:          strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIModel:           envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		GenerationHTTPURL:     strings.TrimSpace(os.Getenv("GENERATION_HTTP_URL")),
		LogLevel:              strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(envOrDefault("LOG_FORMAT", "text")),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 15 * time.Second,
		SweepInterval:            10 * time.Second,
		SweepProbability:         0.1,
		HistoryMaxMessages:       20,
		RateLimitRPS:             0,
		RateLimitBurst:           5,
		StoreTimeout:             5 * time.Second,
		GenerationTimeout:        30 * time.Second,
		GenerationTemperature:    0.7,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("APP_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepProbability, err = floatFromEnv("APP_SWEEP_PROBABILITY", cfg.SweepProbability)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryMaxMessages, err = intFromEnv("APP_HISTORY_MAX_MESSAGES", cfg.HistoryMaxMessages)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitRPS, err = floatFromEnv("APP_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitBurst, err = intFromEnv("APP_RATE_LIMIT_BURST", cfg.RateLimitBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreTimeout, err = durationFromEnv("STORE_TIMEOUT", cfg.StoreTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationTimeout, err = durationFromEnv("GENERATION_TIMEOUT", cfg.GenerationTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationTemperature, err = floatFromEnv("GENERATION_TEMPERATURE", cfg.GenerationTemperature)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 1s")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("APP_SWEEP_INTERVAL must be positive")
	}
	if c.SweepProbability < 0 || c.SweepProbability > 1 {
		return fmt.Errorf("APP_SWEEP_PROBABILITY must be within [0,1]")
	}
	if c.HistoryMaxMessages <= 0 {
		return fmt.Errorf("APP_HISTORY_MAX_MESSAGES must be positive")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("APP_RATE_LIMIT_RPS must be >= 0")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("APP_RATE_LIMIT_BURST must be positive when rate limiting is on")
	}
	if c.StoreTimeout <= 0 || c.GenerationTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT and GENERATION_TIMEOUT must be positive")
	}
	switch c.StoreBackend {
	case "auto", "memory", "postgres", "redis":
	default:
		return fmt.Errorf("STORE_BACKEND %q is not one of auto, memory, postgres, redis", c.StoreBackend)
	}
	switch c.GenerationMode {
	case "auto", "azure", "openai", "http", "mock":
	default:
		return fmt.Errorf("GENERATION_MODE %q is not one of auto, azure, openai, http, mock", c.GenerationMode)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT %q is not one of text, json", c.LogFormat)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func listFromEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
