// Package util reads typed settings from the environment. Malformed values
// are logged and replaced by the caller's default, never fatal.
package util

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup returns the trimmed value of key and whether it is set to anything.
func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func parseEnv[T any](key string, def T, parse func(string) (T, error)) T {
	raw, ok := lookup(key)
	if !ok {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		slog.Warn("util: invalid environment value, using default", "key", key, "value", raw, "default", def, "error", err)
		return def
	}
	return v
}

// ParseBoolEnv understands true/1/yes/on and false/0/no/off in any case.
func ParseBoolEnv(key string, def bool) bool {
	return parseEnv(key, def, func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
		return false, errors.New("not a boolean")
	})
}

func ParseIntEnv(key string, def int) int {
	return parseEnv(key, def, strconv.Atoi)
}

func ParseFloatEnv(key string, def float64) float64 {
	return parseEnv(key, def, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// ParseDurationEnv accepts Go durations ("30m", "168h"); a bare integer is
// read as seconds.
func ParseDurationEnv(key string, def time.Duration) time.Duration {
	return parseEnv(key, def, func(s string) (time.Duration, error) {
		if n, err := strconv.Atoi(s); err == nil {
			return time.Duration(n) * time.Second, nil
		}
		return time.ParseDuration(s)
	})
}

// GetEnv returns the variable or def when it is unset or blank.
func GetEnv(key, def string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return def
}
