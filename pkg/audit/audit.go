// Package audit records security-relevant events of the authentication
// core: login attempts, token issuance and rotation, reuse detection,
// rate limiting, quota denials and circuit breaker transitions.
//
// Components emit events through the [Sink] interface. The storage
// backend is out of scope; [LogSink] writes structured log records and
// [Dispatcher] decouples emitters from slow sinks.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	EventAuthenticationAttempt   EventType = "authentication_attempt"
	EventTokenIssued             EventType = "token_issued"
	EventTokenRotated            EventType = "token_rotated"
	EventTokenReuseDetected      EventType = "token_reuse_detected"
	EventTokenRevoked            EventType = "token_revoked"
	EventTokenVerificationFailed EventType = "token_verification_failed"
	EventRateLimited             EventType = "rate_limited"
	EventQuotaExceeded           EventType = "quota_exceeded"
	EventCircuitOpened           EventType = "circuit_opened"
	EventCircuitHalfOpen         EventType = "circuit_half_open"
	EventCircuitClosed           EventType = "circuit_closed"
	EventTenantMismatch          EventType = "tenant_mismatch"
)

// Status is the outcome recorded with an event.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusDenied  Status = "denied"
)

// Priority marks events that need operator attention.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Event is a single audit record.
type Event struct {
	Time       time.Time `json:"time"`
	Type       EventType `json:"type"`
	Status     Status    `json:"status"`
	Priority   Priority  `json:"priority"`
	Subject    string    `json:"subject,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	// Reason is a stable machine code, never free-form error text.
	Reason string            `json:"reason,omitempty"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// Sink receives audit events. Implementations must be safe for
// concurrent use and must not block the caller for long.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e Event)

// Emit calls f(ctx, e).
func (f SinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// LogSink writes events as structured log records. High-priority events
// are logged at WARN, everything else at INFO.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink returns a LogSink writing to logger, or to slog.Default()
// when logger is nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger.With("component", "audit")}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, e Event) {
	level := slog.LevelInfo
	if e.Priority == PriorityHigh {
		level = slog.LevelWarn
	}
	attrs := []any{
		"event", string(e.Type),
		"status", string(e.Status),
		"priority", string(e.Priority),
		"time", e.Time,
	}
	if e.Subject != "" {
		attrs = append(attrs, "subject", e.Subject)
	}
	if e.TenantID != "" {
		attrs = append(attrs, "tenant_id", e.TenantID)
	}
	if e.RemoteAddr != "" {
		attrs = append(attrs, "remote_addr", e.RemoteAddr)
	}
	if e.RequestID != "" {
		attrs = append(attrs, "request_id", e.RequestID)
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	for k, v := range e.Attrs {
		attrs = append(attrs, k, v)
	}
	s.Logger.Log(ctx, level, "audit event", attrs...)
}

// Multi fans an event out to several sinks in order.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// Recorder keeps events in memory. It is used by tests and by the
// whoami/debug surfaces that need recent history.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
