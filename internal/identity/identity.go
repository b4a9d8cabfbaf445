// Package identity manages the key material the client keeps on disk: the
// login-session signing key bound into the BZECert, and the ephemeral SSH
// key used for tunnels.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/postalsys/bzconnect/internal/crypto"
)

const (
	// signingKeyFileName is the name of the file storing the signing key seed
	signingKeyFileName = "keysplitting_key"
)

var (
	// ErrKeyNotFound is returned when no signing key has been created yet
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrInvalidKeyFile is returned when the key file is malformed
	ErrInvalidKeyFile = errors.New("invalid signing key file")
)

// SigningKeyPath returns the location of the signing key in dataDir.
func SigningKeyPath(dataDir string) string {
	return filepath.Join(dataDir, signingKeyFileName)
}

// StoreSigningKey persists the seed of kp to dataDir.
func StoreSigningKey(dataDir string, kp *crypto.SigningKeypair) error {
	if kp == nil {
		return errors.New("cannot store nil signing key")
	}

	seed := kp.Seed()
	defer crypto.Zero(seed)

	return writeFileAtomic(SigningKeyPath(dataDir), []byte(hex.EncodeToString(seed)+"\n"), 0600)
}

// LoadSigningKey reads the signing key from dataDir.
func LoadSigningKey(dataDir string) (*crypto.SigningKeypair, error) {
	filePath := SigningKeyPath(dataDir)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrKeyNotFound, filePath)
		}
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFile, err)
	}
	defer crypto.Zero(seed)

	kp, err := crypto.SigningKeypairFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFile, err)
	}
	return kp, nil
}

// LoadOrCreateSigningKey loads the signing key from dataDir, or creates and
// persists a new one if none exists. The bool reports whether it was created.
func LoadOrCreateSigningKey(dataDir string) (*crypto.SigningKeypair, bool, error) {
	kp, err := LoadSigningKey(dataDir)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, false, err
	}

	kp, err = crypto.GenerateSigningKeypair()
	if err != nil {
		return nil, false, err
	}

	if err := StoreSigningKey(dataDir, kp); err != nil {
		return nil, false, err
	}

	return kp, true, nil
}

// RotateSigningKey replaces the signing key. Called on re-login, since a
// BZECert is bound to exactly one key.
func RotateSigningKey(dataDir string) (*crypto.SigningKeypair, error) {
	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		return nil, err
	}
	if err := StoreSigningKey(dataDir, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

// Exists reports whether a signing key exists in dataDir.
func Exists(dataDir string) bool {
	_, err := os.Stat(SigningKeyPath(dataDir))
	return err == nil
}

// writeFileAtomic writes data to a temp file and renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist %s: %w", filepath.Base(path), err)
	}

	return nil
}
