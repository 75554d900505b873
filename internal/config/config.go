package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Env      string
	LogLevel string

	// Remote API
	APIBaseURL     string
	RequestTimeout time.Duration

	// Cache retry policy
	FetchMaxRetries    int
	MutationMaxRetries int
	RetryBaseDelay     time.Duration

	// Per-resource staleness windows. Specializations rarely change,
	// appointments are mutated constantly, so the windows differ by an
	// order of magnitude.
	SpecializationsStaleTime time.Duration
	DoctorsStaleTime         time.Duration
	DoctorDetailStaleTime    time.Duration
	AppointmentsStaleTime    time.Duration
	CacheTime                time.Duration
	CacheGCInterval          time.Duration

	// Session persistence
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Local stub server
	StubPort string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		APIBaseURL:     getEnv("DOCLINE_API_BASE_URL", "http://localhost:5000/api/v1"),
		RequestTimeout: getEnvAsDuration("DOCLINE_REQUEST_TIMEOUT", 10*time.Second),

		FetchMaxRetries:    getEnvAsInt("DOCLINE_FETCH_MAX_RETRIES", 3),
		MutationMaxRetries: getEnvAsInt("DOCLINE_MUTATION_MAX_RETRIES", 1),
		RetryBaseDelay:     getEnvAsDuration("DOCLINE_RETRY_BASE_DELAY", 250*time.Millisecond),

		SpecializationsStaleTime: getEnvAsDuration("DOCLINE_SPECIALIZATIONS_STALE_TIME", 30*time.Minute),
		DoctorsStaleTime:         getEnvAsDuration("DOCLINE_DOCTORS_STALE_TIME", 5*time.Minute),
		DoctorDetailStaleTime:    getEnvAsDuration("DOCLINE_DOCTOR_DETAIL_STALE_TIME", 5*time.Minute),
		AppointmentsStaleTime:    getEnvAsDuration("DOCLINE_APPOINTMENTS_STALE_TIME", 30*time.Second),
		CacheTime:                getEnvAsDuration("DOCLINE_CACHE_TIME", 30*time.Minute),
		CacheGCInterval:          getEnvAsDuration("DOCLINE_CACHE_GC_INTERVAL", time.Minute),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		StubPort: getEnv("DOCLINE_STUB_PORT", "5000"),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
