// Package env captures the process environment the build execution core
// reads at startup (spec §6.3): telemetry tuning and remote cache wiring.
// Grounded on the teacher's internal/env package, but loaded into an
// explicit Config value instead of a package-level DistriRoot var — per
// spec §9's redesign note against global module-level state, Config is
// constructed once and threaded through CoreServices rather than read ad
// hoc from business logic.
package env

import (
	"os"
	"strconv"
)

// Config holds the environment-derived settings for one build invocation.
type Config struct {
	TelemetryMaxSessions   uint64
	TelemetryRetentionDays uint64
	TelemetryEnabled       bool

	RemoteCacheURL         string
	RemoteCacheToken       string
	RemoteCacheCompression string // "zstd" | "none"
}

// Load reads Config from the process environment, applying the documented
// defaults for anything unset or unparsable.
func Load() Config {
	return Config{
		TelemetryMaxSessions:   parseUint(os.Getenv("BUILDER_TELEMETRY_MAX_SESSIONS"), 100),
		TelemetryRetentionDays: parseUint(os.Getenv("BUILDER_TELEMETRY_RETENTION_DAYS"), 30),
		TelemetryEnabled:       parseBool(os.Getenv("BUILDER_TELEMETRY_ENABLED")),

		RemoteCacheURL:         os.Getenv("REMOTE_CACHE_URL"),
		RemoteCacheToken:       os.Getenv("REMOTE_CACHE_TOKEN"),
		RemoteCacheCompression: defaultStr(os.Getenv("REMOTE_CACHE_COMPRESSION"), "none"),
	}
}

func parseUint(s string, def uint64) uint64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}

// parseBool implements spec §6.3's literal rule: "1"|"true" => true, else
// false (not Go's strconv.ParseBool, which would also accept "t", "T", etc).
func parseBool(s string) bool {
	return s == "1" || s == "true"
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
