// Package crypto provides the signing and hashing primitives behind the
// keysplitting message chain. Protocol code depends only on the Signer and
// Verifier interfaces; Ed25519 is the shipped implementation.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// Ed25519PublicKeySize is the size of Ed25519 public keys in bytes.
	Ed25519PublicKeySize = ed25519.PublicKeySize

	// Ed25519PrivateKeySize is the size of an expanded Ed25519 private key
	// (seed followed by public key).
	Ed25519PrivateKeySize = ed25519.PrivateKeySize

	// Ed25519SeedSize is the size of an Ed25519 seed in bytes.
	Ed25519SeedSize = ed25519.SeedSize

	// Ed25519SignatureSize is the size of Ed25519 signatures in bytes.
	Ed25519SignatureSize = ed25519.SignatureSize
)

// ErrInvalidKeySize is returned when key material has the wrong length.
var ErrInvalidKeySize = errors.New("invalid key size")

// Signer signs outgoing messages with the client's private key.
type Signer interface {
	// Sign returns a signature over msg.
	Sign(msg []byte) ([]byte, error)

	// PublicKey returns the public half of the signing key.
	PublicKey() []byte
}

// Verifier checks signatures produced by a remote party.
type Verifier interface {
	// Verify reports whether sig is a valid signature over msg by publicKey.
	Verify(publicKey, msg, sig []byte) bool
}

// SigningKeypair holds an Ed25519 keypair.
type SigningKeypair struct {
	PublicKey  [Ed25519PublicKeySize]byte
	PrivateKey [Ed25519PrivateKeySize]byte
}

// GenerateSigningKeypair generates a new Ed25519 keypair. The login session
// creates one of these and binds it into the BZECert.
func GenerateSigningKeypair() (*SigningKeypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}

	kp := &SigningKeypair{}
	copy(kp.PublicKey[:], pub)
	copy(kp.PrivateKey[:], priv)

	return kp, nil
}

// SigningKeypairFromSeed recreates an Ed25519 keypair from a stored seed.
func SigningKeypairFromSeed(seed []byte) (*SigningKeypair, error) {
	if len(seed) != Ed25519SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes, want %d", ErrInvalidKeySize, len(seed), Ed25519SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	kp := &SigningKeypair{}
	copy(kp.PublicKey[:], pub)
	copy(kp.PrivateKey[:], priv)

	return kp, nil
}

// Seed returns the 32-byte seed the keypair was derived from.
func (kp *SigningKeypair) Seed() []byte {
	return ed25519.PrivateKey(kp.PrivateKey[:]).Seed()
}

// Zero wipes the private key.
func (kp *SigningKeypair) Zero() {
	Zero(kp.PrivateKey[:])
}

// Ed25519Signer implements Signer for an Ed25519 keypair.
type Ed25519Signer struct {
	kp *SigningKeypair
}

// NewEd25519Signer wraps kp as a Signer.
func NewEd25519Signer(kp *SigningKeypair) *Ed25519Signer {
	return &Ed25519Signer{kp: kp}
}

// Sign signs msg with the private key.
func (s *Ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(ed25519.PrivateKey(s.kp.PrivateKey[:]), msg), nil
}

// PublicKey returns the Ed25519 public key.
func (s *Ed25519Signer) PublicKey() []byte {
	pub := make([]byte, Ed25519PublicKeySize)
	copy(pub, s.kp.PublicKey[:])
	return pub
}

// Ed25519Verifier implements Verifier for Ed25519 signatures.
type Ed25519Verifier struct{}

// Verify checks sig over msg. Malformed keys or signatures never verify.
func (Ed25519Verifier) Verify(publicKey, msg, sig []byte) bool {
	if len(publicKey) != Ed25519PublicKeySize || len(sig) != Ed25519SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), msg, sig)
}

// RandomBytes fills b with cryptographically secure random bytes.
func RandomBytes(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}
