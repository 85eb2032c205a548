package audit

import "context"

// Origin identifies where a request came from.
type Origin struct {
	RemoteAddr string
	RequestID  string
}

type originKey struct{}

// WithOrigin attaches request origin details to ctx so components deep in
// the call chain can stamp them on audit events.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFrom returns the origin stored in ctx, if any.
func OriginFrom(ctx context.Context) Origin {
	o, _ := ctx.Value(originKey{}).(Origin)
	return o
}

// Stamp fills the origin fields of e from ctx.
func Stamp(ctx context.Context, e Event) Event {
	o := OriginFrom(ctx)
	if e.RemoteAddr == "" {
		e.RemoteAddr = o.RemoteAddr
	}
	if e.RequestID == "" {
		e.RequestID = o.RequestID
	}
	return e
}
