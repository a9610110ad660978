package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	privateKeySuffix = ".key"
	publicKeySuffix  = ".pub"
)

// ErrPassphraseRequired is returned when a protected key is loaded without a
// passphrase.
var ErrPassphraseRequired = errors.New("private key is passphrase protected")

// Keyring keeps generated private keys on disk, one file pair per key.
type Keyring struct {
	dir string
}

// NewKeyring creates the key directory when missing.
func NewKeyring(dir string) (*Keyring, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("keys directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}
	return &Keyring{dir: dir}, nil
}

// Dir returns the key directory.
func (k *Keyring) Dir() string {
	return k.dir
}

// Generate creates a key pair, writes it to the keyring and returns the
// authorized_keys line.
func (k *Keyring) Generate(name, algorithm, passphrase string) (string, error) {
	pair, err := GenerateKeyPair(algorithm, name, passphrase)
	if err != nil {
		return "", err
	}

	parsed, err := ParsePublicKey(pair.PublicKey)
	if err != nil {
		return "", err
	}
	base := filepath.Join(k.dir, KeyFileName(parsed))

	if err := os.WriteFile(base+privateKeySuffix, pair.PrivatePEM, 0o600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(base+publicKeySuffix, []byte(pair.PublicKey+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}

	return pair.PublicKey, nil
}

// PathFor returns the private key file of a generated key.
func (k *Keyring) PathFor(publicKey string) (string, error) {
	parsed, err := ParsePublicKey(publicKey)
	if err != nil {
		return "", err
	}
	path := filepath.Join(k.dir, KeyFileName(parsed)+privateKeySuffix)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("private key for %s: %w", ssh.FingerprintSHA256(parsed), err)
	}
	return path, nil
}

// Remove deletes the file pair of a generated key. Missing files are not an
// error.
func (k *Keyring) Remove(publicKey string) error {
	parsed, err := ParsePublicKey(publicKey)
	if err != nil {
		return err
	}
	base := filepath.Join(k.dir, KeyFileName(parsed))
	for _, path := range []string{base + privateKeySuffix, base + publicKeySuffix} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove key file: %w", err)
		}
	}
	return nil
}

// Import checks that path holds a readable private key and reports whether it
// is passphrase protected.
func (k *Keyring) Import(path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read private key %q: %w", path, err)
	}

	if _, err := ssh.ParseRawPrivateKey(raw); err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return true, nil
		}
		return false, fmt.Errorf("parse private key %q: %w", path, err)
	}
	return false, nil
}

// LoadSigner reads a private key file, decrypting it with passphrase when set.
func LoadSigner(path, passphrase string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %q: %w", path, err)
	}

	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(raw, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("decrypt private key %q: %w", path, err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrPassphraseRequired
		}
		return nil, fmt.Errorf("parse private key %q: %w", path, err)
	}
	return signer, nil
}
