// Package storage holds what the store adapters share.
//
// The adapters (memory, postgres) implement tenant.Store and
// token.ChainStore. Unknown tenants are reported by wrapping
// api.ErrTenantNotFound and unknown chains by token.ErrChainNotFound, so
// callers never depend on an adapter package.
package storage
