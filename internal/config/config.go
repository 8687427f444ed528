// Package config provides configuration loading and management for the application.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds all process configuration
type Config struct {
	// HTTP port for health, metrics and read endpoints
	Port string

	// JSON-RPC endpoint of the chain the protocol is deployed on
	RPCEndpoint string

	// Path to the deployment JSON (contract addresses and decimals)
	DeploymentFile string

	// Storage backend: memory, redis or postgres
	StoreBackend string
	RedisAddr    string
	RedisDB      int
	RedisPrefix  string
	PostgresDSN  string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Follower settings
	PollInterval   time.Duration
	MaxBlockRange  uint64
	Confirmations  uint64
	RequestTimeout time.Duration
	SnapshotCron   string

	// RPC rate limiting
	RPCRateLimit float64
	RPCBurst     int

	// Log and count records that fail sanity checks
	ValidateRecords bool

	// Circuit breaker settings
	MaxConsecutiveFailures int
	CircuitResetDelay      time.Duration
	MaxPriceChange         float64
	MaxAPY                 float64

	// Webhook export of saved records
	WebhookURL        string
	WebhookAPIKey     string
	WebhookSigningKey string
	WebhookBatchSize  int
	WebhookInterval   time.Duration
}

// Load creates a new Config from environment variables. A .env file in the working
// directory is applied first when present.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, relying on process environment")
	}

	return Config{
		Port:                   GetEnvOrDefault("PORT", "8080"),
		RPCEndpoint:            GetEnvOrDefault("RPC_ENDPOINT", "http://localhost:8545"),
		DeploymentFile:         GetEnvOrDefault("DEPLOYMENT_FILE", "deployment.json"),
		StoreBackend:           strings.ToLower(GetEnvOrDefault("STORE_BACKEND", "memory")),
		RedisAddr:              GetEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisDB:                GetEnvAsInt("REDIS_DB", 0),
		RedisPrefix:            GetEnvOrDefault("REDIS_PREFIX", "protocol-metrics"),
		PostgresDSN:            GetEnvOrDefault("POSTGRES_DSN", ""),
		OtelEndpoint:           GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		PollInterval:           GetEnvAsDuration("POLL_INTERVAL", 5*time.Second),
		MaxBlockRange:          uint64(GetEnvAsInt("MAX_BLOCK_RANGE", 2000)),
		Confirmations:          uint64(GetEnvAsInt("CONFIRMATIONS", 0)),
		RequestTimeout:         GetEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
		SnapshotCron:           GetEnvOrDefault("SNAPSHOT_CRON", ""),
		RPCRateLimit:           GetEnvAsFloat("RPC_RATE_LIMIT", 25),
		RPCBurst:               GetEnvAsInt("RPC_BURST", 50),
		ValidateRecords:        GetEnvAsBool("VALIDATE_RECORDS", true),
		MaxConsecutiveFailures: GetEnvAsInt("MAX_CONSECUTIVE_FAILURES", 5),
		CircuitResetDelay:      GetEnvAsDuration("CIRCUIT_RESET_DELAY", time.Minute),
		MaxPriceChange:         GetEnvAsFloat("MAX_PRICE_CHANGE", 0),
		MaxAPY:                 GetEnvAsFloat("MAX_APY", 0),
		WebhookURL:             GetEnvOrDefault("WEBHOOK_URL", ""),
		WebhookAPIKey:          GetEnvOrDefault("WEBHOOK_API_KEY", ""),
		WebhookSigningKey:      GetEnvOrDefault("WEBHOOK_SIGNING_KEY", ""),
		WebhookBatchSize:       GetEnvAsInt("WEBHOOK_BATCH_SIZE", 1),
		WebhookInterval:        GetEnvAsDuration("WEBHOOK_INTERVAL", time.Minute),
	}
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		logrus.Warnf("Invalid integer in %s, using default: %d", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		logrus.Warnf("Invalid float in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		logrus.Warnf("Invalid boolean in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logrus.Warnf("Invalid duration in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}
