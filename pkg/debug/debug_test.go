package debug

import (
	"log/slog"
	"strings"
	"testing"
)

func TestParseCategories(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]bool
	}{
		{"empty", "", map[string]bool{}},
		{"single", "token", map[string]bool{"token": true}},
		{"multiple", "token,ratelimit", map[string]bool{"token": true, "ratelimit": true}},
		{"all", "all", map[string]bool{"all": true}},
		{"with spaces", " token , breaker ", map[string]bool{"token": true, "breaker": true}},
		{"uppercase normalized", "TOKEN,Tenant", map[string]bool{"token": true, "tenant": true}},
		{"empty segments", "token,,quota", map[string]bool{"token": true, "quota": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCategories(tt.input)
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("got[%q] = %v, want %v", k, got[k], v)
				}
			}
			if len(got) != len(tt.want) {
				t.Errorf("len(got) = %d, want %d", len(got), len(tt.want))
			}
		})
	}
}

func TestEnabled(t *testing.T) {
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("token,breaker")

	if !Enabled("token") {
		t.Error("token should be enabled")
	}
	if !Enabled("breaker") {
		t.Error("breaker should be enabled")
	}
	if Enabled("quota") {
		t.Error("quota should not be enabled")
	}
}

func TestEnabled_All(t *testing.T) {
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("all")

	for _, c := range []string{"token", "ratelimit", "anything"} {
		if !Enabled(c) {
			t.Errorf("%s should be enabled via 'all'", c)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"TRACE", LevelTrace},
		{"trace", LevelTrace},
		{"DEBUG", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestInitJSONFormat(t *testing.T) {
	orig := slog.Default()
	origCats := categories
	defer func() {
		slog.SetDefault(orig)
		categories = origCats
	}()
	t.Setenv("PFORTE_DEBUG", "")
	t.Setenv("PFORTE_LOG_LEVEL", "")

	Init("tenant", "debug", "json")

	if !Enabled("tenant") {
		t.Error("tenant should be enabled from config")
	}
	if _, ok := slog.Default().Handler().(*slog.JSONHandler); !ok {
		t.Errorf("handler = %T, want *slog.JSONHandler", slog.Default().Handler())
	}
	if !slog.Default().Enabled(nil, slog.LevelDebug) {
		t.Error("debug level should be enabled")
	}
}

func TestInitEnvOverridesConfig(t *testing.T) {
	orig := slog.Default()
	origCats := categories
	defer func() {
		slog.SetDefault(orig)
		categories = origCats
	}()
	t.Setenv("PFORTE_DEBUG", "quota")
	t.Setenv("PFORTE_LOG_LEVEL", "ERROR")

	Init("tenant", "debug", "text")

	if Enabled("tenant") || !Enabled("quota") {
		t.Errorf("categories = %v, want only quota", categories)
	}
	if slog.Default().Enabled(nil, slog.LevelWarn) {
		t.Error("warn level should be disabled at ERROR")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate short = %q, want %q", got, "short")
	}
	if got := Truncate("this is a long string", 10); got != "this is a ..." {
		t.Errorf("Truncate long = %q, want %q", got, "this is a ...")
	}
}

func TestPayload(t *testing.T) {
	orig := slog.Default()
	origCats := categories
	defer func() {
		slog.SetDefault(orig)
		categories = origCats
	}()
	t.Setenv("PFORTE_LOG_LEVEL", "")

	long := strings.Repeat("x", payloadLimit+50)

	Init("", "DEBUG", "text")
	if got := Payload(long); len(got) != payloadLimit+3 {
		t.Errorf("Payload at DEBUG has length %d, want %d", len(got), payloadLimit+3)
	}

	Init("", "TRACE", "text")
	if got := Payload(long); got != long {
		t.Errorf("Payload at TRACE was truncated to %d bytes", len(got))
	}
}

func TestLog_DisabledCategory(t *testing.T) {
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("")

	// Should not panic or produce output.
	Log("token", "test message", "key", "value")
}
