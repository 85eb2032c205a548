package tenant

import "context"

// tenantKey is a private type for the tenant context key, preventing
// collisions with other packages.
type tenantKey struct{}

// WithTenant injects the resolved tenant into the context.
func WithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantKey{}, t)
}

// FromContext extracts the resolved tenant from the context.
// Returns nil if no tenant is set.
func FromContext(ctx context.Context) *Tenant {
	if v, ok := ctx.Value(tenantKey{}).(*Tenant); ok {
		return v
	}
	return nil
}

// IDFromContext returns the id of the tenant in the context, or "".
func IDFromContext(ctx context.Context) string {
	if t := FromContext(ctx); t != nil {
		return t.ID
	}
	return ""
}
