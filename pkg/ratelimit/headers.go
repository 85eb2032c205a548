package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// Rate limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// SetHeaders renders d into h. Reset is a Unix timestamp; Retry-After is
// whole seconds, rounded up, and only set on denial. A zero Decision
// leaves h untouched.
func (d Decision) SetHeaders(h http.Header) {
	if d.Limit <= 0 {
		return
	}
	h.Set(HeaderLimit, strconv.FormatInt(d.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(max(d.Remaining, 0), 10))
	if !d.Reset.IsZero() {
		h.Set(HeaderReset, strconv.FormatInt(d.Reset.Unix(), 10))
	}
	if !d.Allowed && d.RetryAfter > 0 {
		h.Set(HeaderRetryAfter, RetryAfterSeconds(d.RetryAfter))
	}
}

// RetryAfterSeconds formats a delay for the Retry-After header. Delays
// under a second still yield "1".
func RetryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
