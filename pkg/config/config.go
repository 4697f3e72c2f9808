// Package config loads deployment configuration from the environment
// and tuning profiles from YAML files.
package config

import "os"

// Config holds process-level configuration.
type Config struct {
	LogLevel       string
	ProfilePath    string // optional YAML tuning profile
	TaskStorePath  string // SQLite path; empty means memory-resident tasks
	RedisAddr      string // empty disables Redis-backed rate window and notifications
	RedisPassword  string
	RedisDB        int
	OpenAIAPIKey   string // empty disables the embedding backend (lexical fallback)
	AdvisorURL     string // empty disables advisory insights
	OTLPEndpoint   string // empty disables telemetry export
	SignerSecret   string // empty disables signer token verification
	ServiceVersion string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	version := os.Getenv("SERVICE_VERSION")
	if version == "" {
		version = "dev"
	}

	return &Config{
		LogLevel:       logLevel,
		ProfilePath:    os.Getenv("CONCLAVE_PROFILE"),
		TaskStorePath:  os.Getenv("TASK_STORE_PATH"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        0,
		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		AdvisorURL:     os.Getenv("ADVISOR_URL"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		SignerSecret:   os.Getenv("SIGNER_SECRET"),
		ServiceVersion: version,
	}
}
