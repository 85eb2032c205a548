package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// Scope names a rate-limit policy.
type Scope string

const (
	// ScopeGlobalIP limits all requests per client address.
	ScopeGlobalIP Scope = "global_ip"
	// ScopeAuthIP limits login attempts per client address.
	ScopeAuthIP Scope = "auth_ip"
	// ScopeTokenAPI limits authenticated API calls per access token.
	ScopeTokenAPI Scope = "token_api"
)

// Rule is one fixed window of a policy. Windows are aligned to wall-clock
// multiples of Window, so every key's count resets at the same instant.
type Rule struct {
	Limit  int64         `yaml:"limit"`
	Window time.Duration `yaml:"window"`
	// Lockout, when set, blocks the key for this long once the rule denies.
	Lockout time.Duration `yaml:"lockout"`
}

func (r Rule) name() string {
	return r.Window.String()
}

// Policy is the set of rules applied to one scope. A request is admitted
// only if every rule admits it.
type Policy struct {
	Scope Scope  `yaml:"scope"`
	Rules []Rule `yaml:"rules"`
	// Burst caps short-term bursts with a token bucket refilled at the
	// rate of the first rule. Zero disables it.
	Burst int `yaml:"burst"`
}

// Validate checks the policy for consistency.
func (p Policy) Validate() error {
	var errs []error
	if p.Scope == "" {
		errs = append(errs, errors.New("scope is required"))
	}
	if len(p.Rules) == 0 {
		errs = append(errs, fmt.Errorf("scope %s: at least one rule is required", p.Scope))
	}
	seen := make(map[time.Duration]bool)
	for i, r := range p.Rules {
		if r.Limit <= 0 {
			errs = append(errs, fmt.Errorf("scope %s rule %d: limit must be positive", p.Scope, i))
		}
		if r.Window <= 0 {
			errs = append(errs, fmt.Errorf("scope %s rule %d: window must be positive", p.Scope, i))
		}
		if seen[r.Window] {
			errs = append(errs, fmt.Errorf("scope %s: duplicate window %s", p.Scope, r.Window))
		}
		seen[r.Window] = true
		if r.Lockout < 0 {
			errs = append(errs, fmt.Errorf("scope %s rule %d: lockout must not be negative", p.Scope, i))
		}
	}
	if p.Burst < 0 {
		errs = append(errs, fmt.Errorf("scope %s: burst must not be negative", p.Scope))
	}
	return errors.Join(errs...)
}

// DefaultPolicies returns the built-in policies.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			Scope: ScopeGlobalIP,
			Rules: []Rule{{Limit: 1000, Window: time.Minute}},
			Burst: 50,
		},
		{
			Scope: ScopeAuthIP,
			Rules: []Rule{
				{Limit: 5, Window: time.Minute},
				{Limit: 20, Window: time.Hour, Lockout: 15 * time.Minute},
			},
		},
		{
			Scope: ScopeTokenAPI,
			Rules: []Rule{
				{Limit: 100, Window: time.Minute},
				{Limit: 1000, Window: time.Hour},
			},
		},
	}
}
