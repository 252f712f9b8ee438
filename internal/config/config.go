package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Fiscal   FiscalConfig
	Worker   WorkerConfig
	Logging  LoggingConfig
	EventBus EventBusConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ShutdownTimeout time.Duration
}

// DatabaseConfig selects the storage engine. An empty DSN runs the
// in-memory store, used in development and tests.
type DatabaseConfig struct {
	DSN string
}

type FiscalConfig struct {
	TestEndpoint       string
	ProdEndpoint       string
	SubmitTimeout      time.Duration
	MasterSecret       string
	SchedulerToken     string
	BatchSize          int
	StaleLockThreshold time.Duration
	Parallelism        int
	PassCeiling        time.Duration
}

type WorkerConfig struct {
	PoolSize   int
	MaxRetries int
}

type LoggingConfig struct {
	Level string
}

type EventBusConfig struct {
	ChannelBufferSize int
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using default values")
	}

	return &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			DSN: getEnv("DATABASE_DSN", ""),
		},
		Fiscal: FiscalConfig{
			TestEndpoint:       getEnv("FISCAL_TEST_ENDPOINT", "https://test.fiscal.example.com/service"),
			ProdEndpoint:       getEnv("FISCAL_PROD_ENDPOINT", "https://fiscal.example.com/service"),
			SubmitTimeout:      getDurationEnv("FISCAL_SUBMIT_TIMEOUT", 30*time.Second),
			MasterSecret:       getEnv("FISCAL_MASTER_SECRET", ""),
			SchedulerToken:     getEnv("SCHEDULER_TOKEN", ""),
			BatchSize:          getIntEnv("FISCAL_BATCH_SIZE", 25),
			StaleLockThreshold: getDurationEnv("FISCAL_STALE_LOCK_THRESHOLD", 10*time.Minute),
			Parallelism:        getIntEnv("FISCAL_PARALLELISM", 4),
			PassCeiling:        getDurationEnv("FISCAL_PASS_CEILING", 60*time.Second),
		},
		Worker: WorkerConfig{
			PoolSize:   getIntEnv("WORKER_POOL_SIZE", 10),
			MaxRetries: getIntEnv("MAX_RETRIES", 5),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		EventBus: EventBusConfig{
			ChannelBufferSize: getIntEnv("EVENT_CHANNEL_BUFFER_SIZE", 1000),
		},
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnv(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid value for %s: %s, using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}

	return value
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Invalid duration for %s: %s, using default: %s", key, valueStr, defaultValue)
		return defaultValue
	}

	return value
}
