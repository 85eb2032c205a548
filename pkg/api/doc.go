// Package api defines the error taxonomy and shared identifiers of the
// pforte authentication core.
//
// Every component reports failures through the sentinel errors declared
// here, wrapped with context via fmt.Errorf("...: %w"). Callers classify
// errors with errors.Is and convert them to client-facing form with
// [ToAPIError], which never exposes internal diagnostic detail.
//
// Error families:
//   - Authentication: [ErrInvalidCredentials], [ErrTokenExpired],
//     [ErrSignatureInvalid], [ErrTokenReuse], [ErrTokenRevoked],
//     [ErrTenantInactive], [ErrTenantNotFound], [ErrTenantMismatch]
//   - Admission: [ErrRateLimitExceeded], [ErrQuotaExceeded]
//   - Dependency: [ErrCircuitOpen], [ErrDownstreamTimeout]
//
// Retryable errors implement [Retryable] so the retry delay travels with
// the error through any number of wrapping layers.
//
// The package has zero external dependencies and performs no I/O.
package api
