package util

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvOrDefault retrieves the value of the environment variable named by the key.
// It returns the default value if the variable is not set.
func GetEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetEnvInt retrieves an integer value from an environment variable.
// It returns the default value if the variable is not set or parsing fails.
func GetEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// GetEnvFloat retrieves a float64 value from an environment variable.
// It returns the default value if the variable is not set or parsing fails.
func GetEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// GetEnvBool accepts the strconv.ParseBool spellings.
func GetEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func GetEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// EnvKey joins a prefix and dotted config path into an environment variable
// name: EnvKey("TUNER_", "executor.max_in_flight") is TUNER_EXECUTOR_MAX_IN_FLIGHT.
func EnvKey(prefix, path string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return prefix + strings.ToUpper(r.Replace(path))
}
