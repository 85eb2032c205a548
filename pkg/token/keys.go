package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"

	"github.com/golang-jwt/jwt/v5"
)

// MinKeyBits is the smallest accepted RSA modulus.
const MinKeyBits = 2048

// ErrWeakKey is returned for RSA keys below MinKeyBits.
var ErrWeakKey = errors.New("rsa key too small")

// KeySet holds the signing key and the public keys accepted for
// verification. Retired keys stay in the set until every token they
// signed has expired.
type KeySet struct {
	kid     string
	signing *rsa.PrivateKey
	public  map[string]*rsa.PublicKey
}

// NewKeySet creates a KeySet signing with key. An empty kid is replaced
// by the key's RFC 7638 thumbprint. verify adds further public keys,
// keyed by thumbprint.
func NewKeySet(key *rsa.PrivateKey, kid string, verify ...*rsa.PublicKey) (*KeySet, error) {
	if key == nil {
		return nil, errors.New("signing key is required")
	}
	if err := checkKeySize(&key.PublicKey); err != nil {
		return nil, err
	}
	if kid == "" {
		kid = Thumbprint(&key.PublicKey)
	}
	ks := &KeySet{
		kid:     kid,
		signing: key,
		public:  map[string]*rsa.PublicKey{kid: &key.PublicKey},
	}
	for _, pub := range verify {
		if err := checkKeySize(pub); err != nil {
			return nil, err
		}
		ks.public[Thumbprint(pub)] = pub
	}
	return ks, nil
}

// GenerateKeySet creates a KeySet with a fresh 2048-bit key. Tokens it
// signs do not survive a restart; use LoadKeySet in production.
func GenerateKeySet() (*KeySet, error) {
	key, err := rsa.GenerateKey(rand.Reader, MinKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return NewKeySet(key, "")
}

// LoadKeySet reads a PEM-encoded RSA private key from path, and optional
// PEM-encoded public keys of retired signing keys.
func LoadKeySet(path, kid string, retired ...string) (*KeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key %s: %w", path, err)
	}

	var verify []*rsa.PublicKey
	for _, p := range retired {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading verification key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parsing verification key %s: %w", p, err)
		}
		verify = append(verify, pub)
	}
	return NewKeySet(key, kid, verify...)
}

// KeyID returns the id of the signing key.
func (k *KeySet) KeyID() string { return k.kid }

// PublicKey returns the verification key for kid.
func (k *KeySet) PublicKey(kid string) (*rsa.PublicKey, bool) {
	pub, ok := k.public[kid]
	return pub, ok
}

// JWKS returns the public keys as a JSON Web Key Set.
func (k *KeySet) JWKS() JWKS {
	kids := make([]string, 0, len(k.public))
	for kid := range k.public {
		kids = append(kids, kid)
	}
	sort.Strings(kids)

	set := JWKS{Keys: make([]JWK, 0, len(kids))}
	for _, kid := range kids {
		set.Keys = append(set.Keys, NewJWK(kid, k.public[kid]))
	}
	return set
}

func checkKeySize(pub *rsa.PublicKey) error {
	if bits := pub.N.BitLen(); bits < MinKeyBits {
		return fmt.Errorf("%w: %d bits, need at least %d", ErrWeakKey, bits, MinKeyBits)
	}
	return nil
}

// JWKS is a JSON Web Key Set document.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK is a single RSA JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// NewJWK encodes an RSA public key as a signing JWK.
func NewJWK(kid string, pub *rsa.PublicKey) JWK {
	return JWK{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// RSAPublicKey decodes the JWK into an *rsa.PublicKey.
func (j JWK) RSAPublicKey() (*rsa.PublicKey, error) {
	if j.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", j.Kty)
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() {
		return nil, errors.New("RSA exponent too large")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of pub.
func Thumbprint(pub *rsa.PublicKey) string {
	j := NewJWK("", pub)
	// Members in lexicographic order, no whitespace.
	canonical, _ := json.Marshal(struct {
		E   string `json:"e"`
		Kty string `json:"kty"`
		N   string `json:"n"`
	}{j.E, j.Kty, j.N})
	sum := sha256.Sum256(canonical)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
