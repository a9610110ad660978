package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ListSSHKeys returns all key records, newest first.
func (s *Store) ListSSHKeys(ctx context.Context) ([]SSHKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT
			id,
			name,
			type,
			public_key,
			private_key_path,
			fingerprint,
			has_passphrase,
			created_at
		FROM ssh_keys
		ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list ssh keys: %w", err)
	}
	defer rows.Close()

	keys := make([]SSHKey, 0)
	for rows.Next() {
		key, err := scanSSHKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ssh key row: %w", err)
		}
		keys = append(keys, *key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ssh key rows: %w", err)
	}

	return keys, nil
}

// GetSSHKey fetches a key record by ID.
func (s *Store) GetSSHKey(ctx context.Context, id string) (*SSHKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT
			id,
			name,
			type,
			public_key,
			private_key_path,
			fingerprint,
			has_passphrase,
			created_at
		FROM ssh_keys
		WHERE id = ?`,
		id,
	)

	key, err := scanSSHKey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ssh key %q: %w", id, err)
	}

	return key, nil
}

// CreateSSHKey inserts a new key record and returns the stored row.
func (s *Store) CreateSSHKey(ctx context.Context, input CreateSSHKeyInput) (*SSHKey, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, errors.New("name is required")
	}
	if err := validateKeyType(input.Type); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.PublicKey) == "" {
		return nil, errors.New("public_key is required")
	}
	if strings.TrimSpace(input.Fingerprint) == "" {
		return nil, errors.New("fingerprint is required")
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ssh_keys (
			id,
			name,
			type,
			public_key,
			private_key_path,
			fingerprint,
			has_passphrase,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		input.Name,
		input.Type,
		input.PublicKey,
		nullableString(input.PrivateKeyPath),
		input.Fingerprint,
		boolToInt(input.HasPassphrase),
		nowUnix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert ssh key %q: %w", input.Name, err)
	}

	return s.GetSSHKey(ctx, id)
}

// UpdateSSHKey renames a key record and returns the stored row.
func (s *Store) UpdateSSHKey(ctx context.Context, id string, input UpdateSSHKeyInput) (*SSHKey, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if input.Name == nil {
		return s.GetSSHKey(ctx, id)
	}
	if strings.TrimSpace(*input.Name) == "" {
		return nil, errors.New("name must not be empty")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE ssh_keys SET name = ? WHERE id = ?`,
		*input.Name,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("update ssh key %q: %w", id, err)
	}
	if err := requireAffected(res, "update ssh key", id); err != nil {
		return nil, err
	}

	return s.GetSSHKey(ctx, id)
}

// DeleteSSHKey removes a key record. Sessions referencing it keep existing with
// a NULL key_id.
func (s *Store) DeleteSSHKey(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("id is required")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM ssh_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete ssh key %q: %w", id, err)
	}

	return requireAffected(res, "delete ssh key", id)
}

func scanSSHKey(row scanner) (*SSHKey, error) {
	var (
		key            SSHKey
		privateKeyPath sql.NullString
		hasPassphrase  int
	)
	if err := row.Scan(
		&key.ID,
		&key.Name,
		&key.Type,
		&key.PublicKey,
		&privateKeyPath,
		&key.Fingerprint,
		&hasPassphrase,
		&key.CreatedAt,
	); err != nil {
		return nil, err
	}

	key.PrivateKeyPath = stringPtr(privateKeyPath)
	key.HasPassphrase = hasPassphrase != 0
	return &key, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
