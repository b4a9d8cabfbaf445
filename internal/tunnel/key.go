package tunnel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/postalsys/bzconnect/internal/identity"
)

var (
	// ErrKeyExtraction is returned when no public key can be read from an
	// identity file.
	ErrKeyExtraction = errors.New("cannot extract public key from identity file")

	// ErrKeyInUse is returned when another tunnel or listener owns the
	// managed identity file.
	ErrKeyInUse = errors.New("managed identity file is in use")
)

// keyClaims holds the managed key paths owned in this process.
var keyClaims = struct {
	sync.Mutex
	held map[string]struct{}
}{held: make(map[string]struct{})}

// claimManagedKey makes the caller the only owner of the managed key at
// path until release is called. Where file locks are available the claim
// also excludes other processes.
func claimManagedKey(path string) (release func(), err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}

	keyClaims.Lock()
	defer keyClaims.Unlock()

	if _, ok := keyClaims.held[abs]; ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyInUse, path)
	}
	unlock, err := lockFile(abs + ".lock")
	if err != nil {
		return nil, err
	}
	keyClaims.held[abs] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			keyClaims.Lock()
			delete(keyClaims.held, abs)
			keyClaims.Unlock()
			unlock()
		})
	}, nil
}

// samePath reports whether a and b name the same file.
func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ca, errA := filepath.Abs(a)
	cb, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return ca == cb
}

// prepareKey returns the authorized_keys line for identityFile. When the
// file is the managed key it is regenerated first, so every tunnel gets a
// fresh keypair.
func prepareKey(identityFile, managed string) (pub string, regenerated bool, err error) {
	if samePath(identityFile, managed) {
		if _, err := identity.RegenerateSSHKey(managed); err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrKeyExtraction, err)
		}
		regenerated = true
	}

	pub, err = ExtractPublicKey(identityFile)
	return pub, regenerated, err
}

// ExtractPublicKey reads an OpenSSH or PEM private key and returns its
// public half in authorized_keys form. Encrypted keys are accepted when
// the public key is recoverable without the passphrase, either from the
// OpenSSH container or from the sibling .pub file.
func ExtractPublicKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyExtraction, err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return marshalPublic(signer.PublicKey()), nil
	}

	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && missing.PublicKey != nil {
		return marshalPublic(missing.PublicKey), nil
	}

	if pub, pubErr := readPublicFile(path + ".pub"); pubErr == nil {
		return pub, nil
	}
	return "", fmt.Errorf("%w: %s: %v", ErrKeyExtraction, path, err)
}

func readPublicFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return "", err
	}
	return marshalPublic(pub), nil
}

// marshalPublic drops the comment and trailing newline.
func marshalPublic(k ssh.PublicKey) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(k)))
}
