// Package transport defines the handler contract and the HTTP middleware
// chain of pforte's HTTP surface.
//
// The transport layer bridges external clients and the session engine.
// It decodes requests, dispatches them to a [Sessions] implementation and
// renders results or errors. Errors are rendered through
// api.ToAPIError, so clients only ever see stable codes and generic
// messages.
//
// # Middleware
//
// Built-in middleware provides panic recovery, request ID assignment
// (X-Request-ID), structured logging via log/slog, request origin
// propagation for audit records, and global_ip rate limit admission.
// The HTTP routes themselves live in the http subpackage.
package transport
