package mapper

import (
	"strings"
	"time"

	"noverterm/models"
	"noverterm/storage"
)

// KeyToView maps a persisted key record; CreatedAt is unix seconds in storage.
func KeyToView(rec storage.SSHKey) models.Key {
	return models.Key{
		ID:             rec.ID,
		Name:           rec.Name,
		Type:           models.KeyType(rec.Type),
		PublicKey:      rec.PublicKey,
		PrivateKeyPath: copyString(rec.PrivateKeyPath),
		Fingerprint:    rec.Fingerprint,
		HasPassphrase:  rec.HasPassphrase,
		CreatedAt:      time.Unix(rec.CreatedAt, 0).UTC(),
	}
}

// KeyToCreateInput maps a generated key to its persisted input.
func KeyToCreateInput(input models.CreateKeyInput, publicKey, fingerprint string) storage.CreateSSHKeyInput {
	return storage.CreateSSHKeyInput{
		Name:          input.Name,
		Type:          string(input.Type),
		PublicKey:     publicKey,
		Fingerprint:   fingerprint,
		HasPassphrase: input.Passphrase != "",
	}
}

// ImportKeyToCreateInput maps an imported key file to its persisted input.
func ImportKeyToCreateInput(input models.ImportKeyInput, fingerprint string, hasPassphrase bool) storage.CreateSSHKeyInput {
	path := input.PrivateKeyPath
	return storage.CreateSSHKeyInput{
		Name:           input.Name,
		Type:           string(DetectKeyType(input.PublicKey)),
		PublicKey:      strings.TrimSpace(input.PublicKey),
		PrivateKeyPath: &path,
		Fingerprint:    fingerprint,
		HasPassphrase:  hasPassphrase,
	}
}

// DetectKeyType reads the algorithm from authorized_keys text, defaulting to rsa.
func DetectKeyType(publicKey string) models.KeyType {
	algo, _, _ := strings.Cut(strings.TrimSpace(publicKey), " ")
	switch {
	case algo == "ssh-ed25519", strings.HasPrefix(algo, "sk-ssh-ed25519"):
		return models.KeyEd25519
	case strings.HasPrefix(algo, "ecdsa-sha2-"), strings.HasPrefix(algo, "sk-ecdsa-sha2-"):
		return models.KeyECDSA
	default:
		return models.KeyRSA
	}
}
