// Package auth provides pluggable request authentication for pforte's
// HTTP surface.
//
// Authentication uses a chain-of-responsibility pattern with three-outcome
// voting: each authenticator returns Yes (identity found), No (credentials
// invalid), or Abstain (can't handle). A chain in which every
// authenticator abstains rejects the request.
//
// Auth is implemented as HTTP middleware, keeping it decoupled from the
// session engine. The middleware injects the identity, and the tenant
// when known, into the request context.
package auth
