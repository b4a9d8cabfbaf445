package crypto

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// HashSize is the size of a message hash in bytes.
const HashSize = 32

// NonceSize is the number of random bytes in a handshake nonce.
const NonceSize = 32

// Hash returns the SHA3-256 digest of b.
func Hash(b []byte) []byte {
	sum := sha3.Sum256(b)
	return sum[:]
}

// HashString returns the base64-encoded SHA3-256 digest of b. Hash pointers
// travel in this form.
func HashString(b []byte) string {
	return base64.StdEncoding.EncodeToString(Hash(b))
}

// EqualHash compares two encoded hashes in constant time.
func EqualHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewNonce returns a fresh base64-encoded random nonce.
func NewNonce() (string, error) {
	b := make([]byte, NonceSize)
	if err := RandomBytes(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
