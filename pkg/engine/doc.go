// Package engine orchestrates the session lifecycle.
//
// Every operation follows the same flow: admission by the rate limiter,
// the credential or token check (the identity provider behind its circuit
// breaker), the tenant status check, quota accounting, and finally an
// audit event. Each failure is audited with its stable error code before
// it is returned, so callers only translate errors for their clients.
package engine
