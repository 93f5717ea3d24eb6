package config

import (
	"strconv"
	"strings"
	"time"
)

const (
	portSearchSpan     = 20
	minTargetFrameSize = 128 * 1024
)

var logLevels = []string{"debug", "info", "warn", "error", "dpanic", "panic", "fatal"}

// parseBool parses a string to boolean with flexible input handling
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on", "enabled", "enable":
		return true
	default:
		return false
	}
}

// parseInt parses a string to integer with error handling
func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

// parseDuration accepts Go durations plus a few spelled-out units
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	for _, r := range []struct{ long, short string }{
		{"seconds", "s"}, {"second", "s"}, {"secs", "s"}, {"sec", "s"},
		{"minutes", "m"}, {"minute", "m"}, {"mins", "m"}, {"min", "m"},
	} {
		if strings.HasSuffix(s, r.long) {
			s = strings.TrimSpace(strings.TrimSuffix(s, r.long)) + r.short
			break
		}
	}
	return time.ParseDuration(s)
}

func validatePort(port int) bool {
	return port > 0 && port <= 65535
}

func validateLogLevel(level string) bool {
	level = strings.ToLower(level)
	for _, l := range logLevels {
		if l == level {
			return true
		}
	}
	return false
}
