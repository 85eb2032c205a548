package transport

import (
	"net/http"

	"github.com/rhuss/pforte/pkg/api"
)

// RequestIDHeader carries the correlation id in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestID returns middleware that assigns a correlation ID to each
// request. A well-formed X-Request-ID sent by the client is kept;
// otherwise a new ID is generated. The ID is stored in the context and
// echoed in the response header.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if !api.AcceptableRequestID(id) {
				id = api.NewRequestID()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(ContextWithRequestID(r.Context(), id)))
		})
	}
}
