package models

import "time"

// KeyType is an SSH key algorithm.
type KeyType string

const (
	KeyRSA     KeyType = "rsa"
	KeyEd25519 KeyType = "ed25519"
	KeyECDSA   KeyType = "ecdsa"
)

// Key is the view form of a key record.
type Key struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Type           KeyType   `json:"type"`
	PublicKey      string    `json:"publicKey"`
	PrivateKeyPath *string   `json:"privateKeyPath,omitempty"`
	Fingerprint    string    `json:"fingerprint"`
	HasPassphrase  bool      `json:"hasPassphrase"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Clone returns a deep copy of k.
func (k Key) Clone() Key {
	out := k
	out.PrivateKeyPath = cloneString(k.PrivateKeyPath)
	return out
}

// CreateKeyInput requests a freshly generated key pair.
type CreateKeyInput struct {
	Name       string  `json:"name" validate:"required,max=128"`
	Type       KeyType `json:"type" validate:"required,oneof=rsa ed25519 ecdsa"`
	Passphrase string  `json:"passphrase,omitempty"`
}

// ImportKeyInput registers an existing private key file.
type ImportKeyInput struct {
	Name           string `json:"name" validate:"required,max=128"`
	PublicKey      string `json:"publicKey" validate:"required"`
	PrivateKeyPath string `json:"privateKeyPath" validate:"required"`
}

// KeyPatch renames a key record.
type KeyPatch struct {
	Name *string `json:"name,omitempty" validate:"omitempty,min=1,max=128"`
}
