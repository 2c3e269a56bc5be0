package config

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the service settings.
type Config struct {
	ListenAddr      string // HTTP listen address
	DBPath          string // SQLite database file
	RedisAddr       string // schedule-preview cache; empty disables Redis
	PenaltyCronSpec string // cron spec for the late-penalty sweep
}

// Load reads configuration from the environment, with .env support.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found")
	}

	return &Config{
		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
		DBPath:          getEnv("DB_PATH", "vslaledger.db"),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		PenaltyCronSpec: getEnv("PENALTY_CRON", "0 1 * * *"),
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
