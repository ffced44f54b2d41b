package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds PostgreSQL connection and pool settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	PoolMax         int
	PoolMinIdle     int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// OpTimeout is the per-operation deadline applied by the store.
	OpTimeout time.Duration
}

// DSN returns the keyword/value connection string for this config.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LoadConfigFromEnv loads database configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	poolMax, _ := strconv.Atoi(getEnvOrDefault("DB_POOL_MAX", "20"))
	poolIdle, _ := strconv.Atoi(getEnvOrDefault("DB_POOL_IDLE", "10"))

	return Config{
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("DB_USER", "foreman"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        getEnvOrDefault("DB_NAME", "foreman"),
		SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
		PoolMax:         poolMax,
		PoolMinIdle:     poolIdle,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		OpTimeout:       30 * time.Second,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
