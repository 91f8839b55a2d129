package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	// Email
	EmailFrom string

	// AWS
	AWSRegion    string
	AWSSESRegion string

	// Database
	DatabaseDriver   string // "postgres" or "sqlite"
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	SQLitePath       string

	// Scheduler
	SweepInterval     time.Duration
	ClaimLease        time.Duration
	OutboxInterval    time.Duration
	OutboxBatchSize   int
	GenerationTimeout time.Duration

	// LLM
	LLMModel string
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug("No .env file found, using environment variables")
	}

	port, err := strconv.Atoi(getEnv("POSTGRES_PORT", "5432"))
	if err != nil {
		return nil, err
	}

	sweepSeconds, err := strconv.Atoi(getEnv("SWEEP_INTERVAL_SECONDS", "60"))
	if err != nil {
		return nil, err
	}

	leaseMinutes, err := strconv.Atoi(getEnv("CLAIM_LEASE_MINUTES", "15"))
	if err != nil {
		return nil, err
	}

	outboxBatch, err := strconv.Atoi(getEnv("OUTBOX_BATCH_SIZE", "10"))
	if err != nil {
		return nil, err
	}

	generationSeconds, err := strconv.Atoi(getEnv("GENERATION_TIMEOUT_SECONDS", "30"))
	if err != nil {
		return nil, err
	}

	return &Config{
		EmailFrom: getEnv("EMAIL_FROM", "Occasion Alerts <no-reply@occasionalert.me>"),

		AWSRegion:    getEnv("AWS_REGION", "us-east-1"),
		AWSSESRegion: getEnv("AWS_SES_REGION", "us-east-1"),

		DatabaseDriver:   getEnv("DATABASE_DRIVER", "postgres"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     port,
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "occasionalert"),
		SQLitePath:       getEnv("SQLITE_PATH", "occasionalert.db"),

		SweepInterval:     time.Duration(sweepSeconds) * time.Second,
		ClaimLease:        time.Duration(leaseMinutes) * time.Minute,
		OutboxInterval:    time.Minute,
		OutboxBatchSize:   outboxBatch,
		GenerationTimeout: time.Duration(generationSeconds) * time.Second,

		LLMModel: getEnv("LLM_MODEL", "anthropic.claude-3-haiku-20240307-v1:0"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
