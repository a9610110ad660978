package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	AlgorithmRSA     = "rsa"
	AlgorithmEd25519 = "ed25519"
	AlgorithmECDSA   = "ecdsa"

	// RSABits is the modulus size for generated RSA keys.
	RSABits = 3072
)

// KeyPair is a freshly generated SSH key pair.
type KeyPair struct {
	// PrivatePEM is the OpenSSH-format private key, encrypted when a
	// passphrase was supplied.
	PrivatePEM []byte
	// PublicKey is the authorized_keys line, comment included.
	PublicKey string
}

// GenerateKeyPair creates a key of the given algorithm.
func GenerateKeyPair(algorithm, comment, passphrase string) (*KeyPair, error) {
	var (
		private crypto.PrivateKey
		public  crypto.PublicKey
	)
	switch algorithm {
	case AlgorithmEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		private, public = priv, pub
	case AlgorithmRSA:
		priv, err := rsa.GenerateKey(rand.Reader, RSABits)
		if err != nil {
			return nil, fmt.Errorf("generate rsa key: %w", err)
		}
		private, public = priv, &priv.PublicKey
	case AlgorithmECDSA:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ecdsa key: %w", err)
		}
		private, public = priv, &priv.PublicKey
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q", algorithm)
	}

	sshPublic, err := ssh.NewPublicKey(public)
	if err != nil {
		return nil, fmt.Errorf("encode %s public key: %w", algorithm, err)
	}

	var block *pem.Block
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(private, comment, []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(private, comment)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s private key: %w", algorithm, err)
	}

	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPublic)))
	if comment = strings.TrimSpace(comment); comment != "" {
		line += " " + comment
	}

	return &KeyPair{
		PrivatePEM: pem.EncodeToMemory(block),
		PublicKey:  line,
	}, nil
}

// Fingerprint returns the OpenSSH SHA256 fingerprint of an authorized_keys line.
func Fingerprint(publicKey string) (string, error) {
	parsed, err := ParsePublicKey(publicKey)
	if err != nil {
		return "", err
	}
	return ssh.FingerprintSHA256(parsed), nil
}

// ParsePublicKey parses an authorized_keys line.
func ParsePublicKey(publicKey string) (ssh.PublicKey, error) {
	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(publicKey)))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return parsed, nil
}

// KeyFileName returns the truncated SHA-256 hex of the public key blob, used
// to name stored key files.
func KeyFileName(publicKey ssh.PublicKey) string {
	sum := sha256.Sum256(publicKey.Marshal())
	return hex.EncodeToString(sum[:16])
}
