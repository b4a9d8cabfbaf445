package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// sshKeyComment is written into generated OpenSSH keys.
const sshKeyComment = "bzconnect-ephemeral"

// RegenerateSSHKey writes a fresh Ed25519 OpenSSH keypair to path and
// path+".pub", replacing whatever was there. It returns the public key in
// authorized_keys format.
func RegenerateSSHKey(path string) (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate ssh key: %w", err)
	}
	defer zeroPrivate(priv)

	block, err := ssh.MarshalPrivateKey(priv, sshKeyComment)
	if err != nil {
		return "", fmt.Errorf("marshal ssh private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal ssh public key: %w", err)
	}
	authorized := ssh.MarshalAuthorizedKey(sshPub)

	if err := writeFileAtomic(path, pem.EncodeToMemory(block), 0600); err != nil {
		return "", err
	}
	if err := writeFileAtomic(path+".pub", authorized, 0644); err != nil {
		return "", err
	}

	return string(authorized), nil
}

// DiscardSSHKey overwrites the key files at path with zeros and removes
// them. Missing files are not an error.
func DiscardSSHKey(path string) error {
	var firstErr error
	for _, p := range []string{path, path + ".pub"} {
		if err := overwriteAndRemove(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func overwriteAndRemove(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := os.WriteFile(path, make([]byte, info.Size()), 0600); err != nil {
		return fmt.Errorf("overwrite %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func zeroPrivate(k ed25519.PrivateKey) {
	for i := range k {
		k[i] = 0
	}
}
