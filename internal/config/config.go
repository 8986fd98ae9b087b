package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     string
	LogLevel string
	Postgres DBConfig

	// Polling and watchdog.
	PollInterval       time.Duration
	PollTimeout        time.Duration
	AnomalyConsecutive int
	ActionCooldown     time.Duration

	// Retention.
	RetentionMaxAge   time.Duration
	RetentionInterval time.Duration
	RetentionBatch    int

	// Optional integrations. Empty MQTTBrokerURL or RedisAddr disables the
	// respective integration.
	MQTTBrokerURL string
	RedisAddr     string
	RedisPassword string
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

func Load() *Config {
	cfg := &Config{
		Port:     getEnv("MINERHUB_PORT", "8090"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Postgres: DBConfig{
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   getEnv("POSTGRES_DB", "minerhub"),
			Host:     getEnv("POSTGRES_HOST", "postgres"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		PollInterval:       getEnvDuration("POLL_INTERVAL", 10*time.Second),
		PollTimeout:        getEnvDuration("POLL_TIMEOUT", 5*time.Second),
		AnomalyConsecutive: getEnvInt("WATCHDOG_CONSECUTIVE", 3),
		ActionCooldown:     getEnvDuration("WATCHDOG_COOLDOWN", 10*time.Minute),
		RetentionMaxAge:    getEnvDuration("RETENTION_MAX_AGE", 30*24*time.Hour),
		RetentionInterval:  getEnvDuration("RETENTION_INTERVAL", time.Hour),
		RetentionBatch:     getEnvInt("RETENTION_BATCH", 500),
		MQTTBrokerURL:      os.Getenv("MQTT_BROKER_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
	}
	slog.Info("minerhub config loaded", "port", cfg.Port, "poll_interval", cfg.PollInterval, "retention_max_age", cfg.RetentionMaxAge)
	return cfg
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getEnvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration env, using default", "key", k, "value", v, "default", def)
		return def
	}
	return d
}

func getEnvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env, using default", "key", k, "value", v, "default", def)
		return def
	}
	return n
}
