package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func String(key, fallback string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return fallback
}

// FirstString returns the first non-empty value among keys.
func FirstString(fallback string, keys ...string) string {
	for _, key := range keys {
		if v, ok := lookup(key); ok {
			return v
		}
	}
	return fallback
}

func Int(key string, fallback int) int {
	v, ok := lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func Bool(key string, fallback bool) bool {
	v, ok := lookup(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Duration accepts Go duration strings ("1500ms", "5m") or a bare integer of milliseconds.
func Duration(key string, fallback time.Duration) time.Duration {
	v, ok := lookup(key)
	if !ok {
		return fallback
	}
	if ms, err := strconv.Atoi(v); err == nil {
		if ms <= 0 {
			return fallback
		}
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func CSV(key string, fallback []string) []string {
	v, ok := lookup(key)
	if !ok {
		return append([]string(nil), fallback...)
	}
	result := SplitUnique(v, ",")
	if len(result) == 0 {
		return append([]string(nil), fallback...)
	}
	return result
}

// SplitUnique splits raw on sep, trims each item and drops blanks and repeats.
func SplitUnique(raw, sep string) []string {
	parts := strings.Split(raw, sep)
	result := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, part := range parts {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		result = append(result, item)
	}
	return result
}
