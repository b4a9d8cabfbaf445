package keysplitting

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/postalsys/bzconnect/internal/crypto"
)

// BZECert binds the caller's identity tokens to the login-session signing
// key. It is created once per login and never modified.
type BZECert struct {
	InitialIDToken  string `json:"initialIdToken"`
	CurrentIDToken  string `json:"currentIdToken"`
	ClientPublicKey string `json:"clientPublicKey"`
	Rand            string `json:"rand"`
	SignatureOnRand string `json:"signatureOnRand"`
}

// NewBZECert creates a certificate for signer. Rand is fresh randomness
// signed by the client key, proving possession.
func NewBZECert(initialIDToken, currentIDToken string, signer crypto.Signer) (*BZECert, error) {
	r := make([]byte, crypto.NonceSize)
	if err := crypto.RandomBytes(r); err != nil {
		return nil, fmt.Errorf("generate cert rand: %w", err)
	}

	sig, err := signer.Sign(crypto.Hash(r))
	if err != nil {
		return nil, fmt.Errorf("sign cert rand: %w", err)
	}

	return &BZECert{
		InitialIDToken:  initialIDToken,
		CurrentIDToken:  currentIDToken,
		ClientPublicKey: base64.StdEncoding.EncodeToString(signer.PublicKey()),
		Rand:            base64.StdEncoding.EncodeToString(r),
		SignatureOnRand: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// PublicKey decodes the client public key.
func (c *BZECert) PublicKey() ([]byte, error) {
	pub, err := base64.StdEncoding.DecodeString(c.ClientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: cert public key is not base64", ErrVerification)
	}
	return pub, nil
}

// Verify checks that SignatureOnRand was made by ClientPublicKey.
func (c *BZECert) Verify(v crypto.Verifier) error {
	pub, err := c.PublicKey()
	if err != nil {
		return err
	}
	r, err := base64.StdEncoding.DecodeString(c.Rand)
	if err != nil {
		return fmt.Errorf("%w: cert rand is not base64", ErrVerification)
	}
	sig, err := base64.StdEncoding.DecodeString(c.SignatureOnRand)
	if err != nil {
		return fmt.Errorf("%w: cert signature is not base64", ErrVerification)
	}
	if !v.Verify(pub, crypto.Hash(r), sig) {
		return fmt.Errorf("%w: cert signature on rand does not verify", ErrVerification)
	}
	return nil
}

// Hash returns the SHA3-256 hash of the certificate's JSON form.
func (c *BZECert) Hash() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal cert: %w", err)
	}
	return crypto.HashString(raw), nil
}
