package breaker

import "time"

// State is the position of a breaker in its state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// status is the complete breaker state. It is only changed through the
// transition functions below, which are pure: they take a status and the
// current time and return the next status.
type status struct {
	state State

	// Closed: failures counted since firstFailure.
	failures     int
	firstFailure time.Time
	lastFailure  time.Time

	// Open: consecutive opens drive the cooldown; nextRetry ends it.
	opens     int
	nextRetry time.Time

	// HalfOpen: set while the single trial call is in flight.
	trial bool

	// generation changes on every transition. Results of calls admitted
	// under an older generation are ignored.
	generation uint64
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeIgnored is a call that says nothing about the dependency's
	// health, such as a caller cancelling its own request.
	outcomeIgnored
)

// allow decides whether a call may proceed. When it may not, retry is the
// time until the next call could be admitted.
func allow(s status, now time.Time, cfg Config) (next status, ok bool, retry time.Duration) {
	switch s.state {
	case StateClosed:
		return s, true, 0
	case StateOpen:
		if now.Before(s.nextRetry) {
			return s, false, s.nextRetry.Sub(now)
		}
		s.state = StateHalfOpen
		s.trial = true
		s.generation++
		return s, true, 0
	case StateHalfOpen:
		if s.trial {
			return s, false, cfg.CallTimeout
		}
		s.trial = true
		return s, true, 0
	}
	return s, false, cfg.Cooldown
}

// onSuccess records a successful call.
func onSuccess(s status) status {
	switch s.state {
	case StateClosed:
		s.failures = 0
		s.firstFailure = time.Time{}
	case StateHalfOpen:
		s = status{state: StateClosed, generation: s.generation + 1}
	}
	return s
}

// onFailure records a failed call.
func onFailure(s status, now time.Time, cfg Config) status {
	switch s.state {
	case StateClosed:
		if s.failures == 0 || now.Sub(s.firstFailure) > cfg.FailureWindow {
			s.failures = 0
			s.firstFailure = now
		}
		s.failures++
		s.lastFailure = now
		if s.failures >= cfg.FailureThreshold {
			return open(s, now, cfg)
		}
	case StateHalfOpen:
		s.lastFailure = now
		return open(s, now, cfg)
	}
	return s
}

// onIgnored releases a half-open trial slot without a transition.
func onIgnored(s status) status {
	if s.state == StateHalfOpen {
		s.trial = false
	}
	return s
}

func open(s status, now time.Time, cfg Config) status {
	s.state = StateOpen
	s.opens++
	s.nextRetry = now.Add(cooldown(s.opens, cfg))
	s.failures = 0
	s.firstFailure = time.Time{}
	s.trial = false
	s.generation++
	return s
}

// cooldown returns Cooldown * 2^(opens-1), capped at MaxCooldown.
func cooldown(opens int, cfg Config) time.Duration {
	d := cfg.Cooldown
	for i := 1; i < opens; i++ {
		if d >= cfg.MaxCooldown/2 {
			return cfg.MaxCooldown
		}
		d *= 2
	}
	return min(d, cfg.MaxCooldown)
}
