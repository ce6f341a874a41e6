// Package config reads the relay's configuration from the environment, with
// optional .env overlays for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadEnv overlays .env files onto the process environment. Later files win,
// so .env.dev can override committed defaults.
func LoadEnv(logger *logrus.Logger) {
	var loaded []string
	for _, file := range []string{".env", ".env.dev"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger == nil {
		return
	}
	if len(loaded) == 0 {
		logger.Debug("No local env files loaded; relying on process environment")
		return
	}
	logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
}

// GetEnv returns the variable's value, or the default when unset or empty.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt parses an integer variable, falling back on the default when
// unset or unparseable.
func GetEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// GetEnvDuration parses a millisecond-valued variable. Tunables like
// IDLE_EXPIRY_MS are expressed in milliseconds on the wire and as
// time.Duration in code.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return time.Duration(parsed) * time.Millisecond
}

// GetLogLevel maps LOG_LEVEL onto a logrus level, defaulting to info.
func GetLogLevel() logrus.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// RequireEnv fetches a variable and exits the process if it is empty.
func RequireEnv(key string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		logrus.Fatalf("environment variable %s is required but not set", key)
	}
	return value
}
