package api

import (
	"strings"
	"testing"
)

func TestNewRequestID(t *testing.T) {
	id := NewRequestID()
	if !ValidateRequestID(id) {
		t.Errorf("NewRequestID() = %q, want valid request ID", id)
	}
}

func TestNewRequestIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := NewRequestID()
		if seen[id] {
			t.Fatalf("duplicate request ID %q", id)
		}
		seen[id] = true
	}
}

func TestValidateRequestID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"valid", "req_abcdefghijklmnopqrstuvwx", true},
		{"valid digits", "req_123456789012345678901234", true},
		{"wrong prefix", "resp_abcdefghijklmnopqrstuvwx", false},
		{"too short", "req_abc", false},
		{"special chars", "req_abcdefghijklmnopqrstuv!@", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateRequestID(tt.id); got != tt.want {
				t.Errorf("ValidateRequestID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestAcceptableRequestID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"generated", NewRequestID(), true},
		{"uuid", "0b7c2a52-7e0e-4f6b-9f0c-6d0f3c1a2b3c", true},
		{"trace style", "trace:abc.123", true},
		{"empty", "", false},
		{"newline", "abc\ninjected", false},
		{"space", "abc def", false},
		{"too long", strings.Repeat("a", 129), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AcceptableRequestID(tt.id); got != tt.want {
				t.Errorf("AcceptableRequestID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}
