package api

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	idLength = 24
	charset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	requestIDPrefix = "req_"

	// maxForeignIDLength bounds request IDs accepted from clients.
	maxForeignIDLength = 128
)

var (
	requestIDPattern = regexp.MustCompile(`^req_[a-zA-Z0-9]{24}$`)
	foreignIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:\-]+$`)
)

// NewRequestID generates a new correlation ID with the "req_" prefix
// followed by 24 cryptographically random alphanumeric characters.
func NewRequestID() string {
	return requestIDPrefix + randomAlphanumeric(idLength)
}

// ValidateRequestID checks whether id was produced by NewRequestID.
func ValidateRequestID(id string) bool {
	return requestIDPattern.MatchString(id)
}

// AcceptableRequestID reports whether a caller-supplied correlation ID
// (X-Request-ID) is safe to propagate into logs and audit records.
func AcceptableRequestID(id string) bool {
	return id != "" && len(id) <= maxForeignIDLength && foreignIDPattern.MatchString(id)
}

func randomAlphanumeric(n int) string {
	max := big.NewInt(int64(len(charset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}
