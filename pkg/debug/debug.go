// Package debug provides category-based debug logging for pforte.
//
// Two orthogonal controls:
//   - Categories (WHAT to debug): controlled via PFORTE_DEBUG env or config
//   - Levels (HOW MUCH detail): controlled via PFORTE_LOG_LEVEL env or config
//
// Usage:
//
//	debug.Log("token", "rotated", "chain_id", id, "generation", gen)
//	if debug.Enabled("ratelimit") { /* expensive formatting */ }
//
// Categories: token, ratelimit, breaker, tenant, quota, credential, engine,
// audit, storage, transport, config, all.
// Levels: ERROR, WARN, INFO, DEBUG, TRACE.
package debug

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// LevelTrace is below slog.LevelDebug for maximum verbosity.
// At TRACE, payloads passed through Payload are logged in full.
const LevelTrace = slog.LevelDebug - 4

// categories holds the set of enabled debug categories.
// Access is read-only after Init(), so no synchronization needed.
var categories map[string]bool

func init() {
	// Can be re-initialized later via Init() with config values.
	categories = parseCategories(os.Getenv("PFORTE_DEBUG"))
}

// Init configures the debug system and the default slog logger. Called at
// startup with values from config; environment overrides config. format is
// "text" or "json".
func Init(configCategories, configLevel, format string) {
	cats := os.Getenv("PFORTE_DEBUG")
	if cats == "" {
		cats = configCategories
	}
	categories = parseCategories(cats)

	level := os.Getenv("PFORTE_LOG_LEVEL")
	if level == "" {
		level = configLevel
	}
	if level == "" {
		level = "INFO"
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// Enabled reports whether debug output is active for the given category.
func Enabled(category string) bool {
	return categories["all"] || categories[category]
}

// Log emits a debug message for the given category.
// If the category is not enabled, this is a no-op.
func Log(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Debug(msg, append([]any{"debug", category}, args...)...)
}

// payloadLimit caps payloads logged below TRACE.
const payloadLimit = 200

// Payload prepares an untrusted payload (an IdP error body, a NOTIFY
// message) for logging. Below TRACE it is cut to payloadLimit bytes.
func Payload(s string) string {
	if slog.Default().Enabled(context.Background(), LevelTrace) {
		return s
	}
	return Truncate(s, payloadLimit)
}

// ParseLevel converts a level string to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "INFO", "":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Truncate returns s truncated to maxLen characters, with "..." appended if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func parseCategories(s string) map[string]bool {
	m := make(map[string]bool)
	if s == "" {
		return m
	}
	for _, cat := range strings.Split(s, ",") {
		cat = strings.TrimSpace(strings.ToLower(cat))
		if cat != "" {
			m[cat] = true
		}
	}
	return m
}
