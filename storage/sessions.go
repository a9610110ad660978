package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const sessionColumns = `id,
			name,
			group_id,
			host,
			port,
			username,
			auth_method,
			key_id,
			created_at,
			updated_at`

// ListSessions returns all sessions sorted by name.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+`
		FROM sessions
		ORDER BY name, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}

	return sessions, nil
}

// GetSession fetches a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+`
		FROM sessions
		WHERE id = ?`,
		id,
	)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %q: %w", id, err)
	}

	return session, nil
}

// CreateSession inserts a new session and returns the stored row.
func (s *Store) CreateSession(ctx context.Context, input CreateSessionInput) (*Session, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, errors.New("name is required")
	}
	if strings.TrimSpace(input.Host) == "" {
		return nil, errors.New("host is required")
	}
	if strings.TrimSpace(input.Username) == "" {
		return nil, errors.New("username is required")
	}
	if err := validatePort("port", input.Port); err != nil {
		return nil, err
	}
	if err := validateAuthMethod(input.AuthMethod); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := nowUnix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (
			id,
			name,
			group_id,
			host,
			port,
			username,
			auth_method,
			key_id,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		input.Name,
		nullableString(input.GroupID),
		input.Host,
		input.Port,
		input.Username,
		input.AuthMethod,
		nullableString(input.KeyID),
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session %q: %w", input.Name, err)
	}

	return s.GetSession(ctx, id)
}

// UpdateSession applies the non-nil fields of input, bumps updated_at and
// returns the stored row.
func (s *Store) UpdateSession(ctx context.Context, id string, input UpdateSessionInput) (*Session, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}

	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)
	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, errors.New("name must not be empty")
		}
		sets = append(sets, "name = ?")
		args = append(args, *input.Name)
	}
	if input.GroupID != nil {
		sets = append(sets, "group_id = ?")
		args = append(args, nullableString(input.GroupID))
	}
	if input.Host != nil {
		if strings.TrimSpace(*input.Host) == "" {
			return nil, errors.New("host must not be empty")
		}
		sets = append(sets, "host = ?")
		args = append(args, *input.Host)
	}
	if input.Port != nil {
		if err := validatePort("port", *input.Port); err != nil {
			return nil, err
		}
		sets = append(sets, "port = ?")
		args = append(args, *input.Port)
	}
	if input.Username != nil {
		if strings.TrimSpace(*input.Username) == "" {
			return nil, errors.New("username must not be empty")
		}
		sets = append(sets, "username = ?")
		args = append(args, *input.Username)
	}
	if input.AuthMethod != nil {
		if err := validateAuthMethod(*input.AuthMethod); err != nil {
			return nil, err
		}
		sets = append(sets, "auth_method = ?")
		args = append(args, *input.AuthMethod)
	}
	if input.KeyID != nil {
		sets = append(sets, "key_id = ?")
		args = append(args, nullableString(input.KeyID))
	}
	if len(sets) == 0 {
		return s.GetSession(ctx, id)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, nowUnix(), id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("update session %q: %w", id, err)
	}
	if err := requireAffected(res, "update session", id); err != nil {
		return nil, err
	}

	return s.GetSession(ctx, id)
}

// DeleteSession removes a session and, by cascade, its forwarding rules.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("id is required")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %q: %w", id, err)
	}

	return requireAffected(res, "delete session", id)
}

func scanSession(row scanner) (*Session, error) {
	var (
		session Session
		groupID sql.NullString
		keyID   sql.NullString
	)
	if err := row.Scan(
		&session.ID,
		&session.Name,
		&groupID,
		&session.Host,
		&session.Port,
		&session.Username,
		&session.AuthMethod,
		&keyID,
		&session.CreatedAt,
		&session.UpdatedAt,
	); err != nil {
		return nil, err
	}

	session.GroupID = stringPtr(groupID)
	session.KeyID = stringPtr(keyID)
	return &session, nil
}
