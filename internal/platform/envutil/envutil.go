package envutil

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

func Str(key, def string, log *logger.Logger) string {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		if log != nil {
			log.Debug("env var not set, using default", "env_var", key, "default", def)
		}
		return def
	}
	return val
}

func Int(key string, def int, log *logger.Logger) int {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		if log != nil {
			log.Debug("env var not an int, using default", "env_var", key, "provided", val, "default", def)
		}
		return def
	}
	return i
}

func Bool(key string, def bool, log *logger.Logger) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	switch strings.TrimSpace(strings.ToLower(val)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if log != nil {
			log.Debug("env var not a bool, using default", "env_var", key, "provided", val, "default", def)
		}
		return def
	}
}

func Duration(key string, def time.Duration, log *logger.Logger) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		if log != nil {
			log.Debug("env var not a duration, using default", "env_var", key, "provided", val, "default", def)
		}
		return def
	}
	return d
}
