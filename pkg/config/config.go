// Package config loads daemon configuration from environment variables and
// the YAML instance profile.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	Store       string // "memory", "sqlite" or "postgres"
	SQLiteDSN   string
	DatabaseURL string
	ProfilePath string

	// AuthSecret signs and verifies API bearer tokens. Empty disables auth
	// (dev mode).
	AuthSecret string

	// RateLimitRPM caps per-actor API requests per minute. 0 disables.
	RateLimitRPM int

	OTLPEndpoint     string
	TelemetryEnabled bool

	ArchiveBackend string // "s3", "gcs" or "" for none
	ArchiveBucket  string
	ArchivePrefix  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		Store:       getenv("STORE", "memory"),
		SQLiteDSN:   getenv("SQLITE_DSN", "file:secureop.db"),
		DatabaseURL: getenv("DATABASE_URL", "postgres://secureop@localhost:5432/secureop?sslmode=disable"),
		ProfilePath: getenv("PROFILE_PATH", "profiles/instance.yaml"),

		AuthSecret:   os.Getenv("API_AUTH_SECRET"),
		RateLimitRPM: 600,

		OTLPEndpoint:     getenv("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",

		ArchiveBackend: os.Getenv("ARCHIVE_BACKEND"),
		ArchiveBucket:  os.Getenv("ARCHIVE_BUCKET"),
		ArchivePrefix:  getenv("ARCHIVE_PREFIX", "secureop/history"),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
