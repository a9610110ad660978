package gateway

import (
	"context"

	"noverterm/crypto"
)

// KeyActions is the key-generation and import surface. Every failure is a
// *NegotiationError.
type KeyActions interface {
	GenerateKey(ctx context.Context, name, algorithm, passphrase string) (string, error)
	Fingerprint(ctx context.Context, publicKey string) (string, error)
	// ImportKey reports whether the key at path is passphrase protected.
	ImportKey(ctx context.Context, path, name string) (bool, error)
	// DiscardKey deletes the files of a generated key.
	DiscardKey(ctx context.Context, publicKey string) error
}

// KeyringActions serves KeyActions from a crypto.Keyring.
type KeyringActions struct {
	keyring *crypto.Keyring
}

// NewKeyActions wraps keyring.
func NewKeyActions(keyring *crypto.Keyring) *KeyringActions {
	return &KeyringActions{keyring: keyring}
}

var _ KeyActions = (*KeyringActions)(nil)

func (a *KeyringActions) GenerateKey(ctx context.Context, name, algorithm, passphrase string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", negotiationErr(VerbGenerateKey, name, err)
	}
	publicKey, err := a.keyring.Generate(name, algorithm, passphrase)
	if err != nil {
		return "", negotiationErr(VerbGenerateKey, name, err)
	}
	return publicKey, nil
}

func (a *KeyringActions) Fingerprint(ctx context.Context, publicKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", negotiationErr(VerbFingerprint, "", err)
	}
	fingerprint, err := crypto.Fingerprint(publicKey)
	if err != nil {
		return "", negotiationErr(VerbFingerprint, "", err)
	}
	return fingerprint, nil
}

func (a *KeyringActions) ImportKey(ctx context.Context, path, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, negotiationErr(VerbImportKey, name, err)
	}
	protected, err := a.keyring.Import(path)
	if err != nil {
		return false, negotiationErr(VerbImportKey, name, err)
	}
	return protected, nil
}

func (a *KeyringActions) DiscardKey(ctx context.Context, publicKey string) error {
	return negotiationErr(VerbDiscardKey, "", a.keyring.Remove(publicKey))
}
