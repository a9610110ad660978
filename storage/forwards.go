package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const portForwardColumns = `id,
			session_id,
			name,
			type,
			local_host,
			local_port,
			remote_host,
			remote_port`

// ListPortForwards returns forwarding rules, optionally narrowed to one
// session. An empty sessionID returns every rule.
func (s *Store) ListPortForwards(ctx context.Context, sessionID string) ([]PortForward, error) {
	query := `SELECT ` + portForwardColumns + `
		FROM port_forwards`
	args := make([]any, 0, 1)
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY session_id, name, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list port forwards: %w", err)
	}
	defer rows.Close()

	forwards := make([]PortForward, 0)
	for rows.Next() {
		forward, err := scanPortForward(rows)
		if err != nil {
			return nil, fmt.Errorf("scan port forward row: %w", err)
		}
		forwards = append(forwards, *forward)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate port forward rows: %w", err)
	}

	return forwards, nil
}

// GetPortForward fetches a forwarding rule by ID.
func (s *Store) GetPortForward(ctx context.Context, id string) (*PortForward, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+portForwardColumns+`
		FROM port_forwards
		WHERE id = ?`,
		id,
	)

	forward, err := scanPortForward(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get port forward %q: %w", id, err)
	}

	return forward, nil
}

// CreatePortForward inserts a new forwarding rule for an existing session.
func (s *Store) CreatePortForward(ctx context.Context, input CreatePortForwardInput) (*PortForward, error) {
	if input.SessionID == "" {
		return nil, errors.New("session_id is required")
	}
	forward := PortForward{
		SessionID:  input.SessionID,
		Name:       input.Name,
		Type:       input.Type,
		LocalHost:  input.LocalHost,
		LocalPort:  input.LocalPort,
		RemoteHost: input.RemoteHost,
		RemotePort: input.RemotePort,
	}
	if err := validatePortForward(forward); err != nil {
		return nil, err
	}
	if _, err := s.GetSession(ctx, input.SessionID); err != nil {
		return nil, fmt.Errorf("session %q: %w", input.SessionID, err)
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO port_forwards (
			id,
			session_id,
			name,
			type,
			local_host,
			local_port,
			remote_host,
			remote_port
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		forward.SessionID,
		forward.Name,
		forward.Type,
		forward.LocalHost,
		forward.LocalPort,
		nullString(forward.RemoteHost),
		nullInt64FromInt(forward.RemotePort),
	)
	if err != nil {
		return nil, fmt.Errorf("insert port forward %q: %w", input.Name, err)
	}

	return s.GetPortForward(ctx, id)
}

// UpdatePortForward applies the non-nil fields of input and returns the stored
// row. The merged rule must still satisfy the per-direction requirements.
func (s *Store) UpdatePortForward(ctx context.Context, id string, input UpdatePortForwardInput) (*PortForward, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}

	current, err := s.GetPortForward(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := *current
	if input.Name != nil {
		merged.Name = *input.Name
	}
	if input.Type != nil {
		merged.Type = *input.Type
	}
	if input.LocalHost != nil {
		merged.LocalHost = *input.LocalHost
	}
	if input.LocalPort != nil {
		merged.LocalPort = *input.LocalPort
	}
	if input.RemoteHost != nil {
		merged.RemoteHost = stringPtr(nullableString(input.RemoteHost))
	}
	if input.RemotePort != nil {
		merged.RemotePort = intPtrFromNullInt64(nullablePort(input.RemotePort))
	}
	if merged.Type == forwardTypeDynamic {
		merged.RemoteHost = nil
		merged.RemotePort = nil
	}
	if err := validatePortForward(merged); err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE port_forwards
		SET name = ?,
		    type = ?,
		    local_host = ?,
		    local_port = ?,
		    remote_host = ?,
		    remote_port = ?
		WHERE id = ?`,
		merged.Name,
		merged.Type,
		merged.LocalHost,
		merged.LocalPort,
		nullString(merged.RemoteHost),
		nullInt64FromInt(merged.RemotePort),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("update port forward %q: %w", id, err)
	}
	if err := requireAffected(res, "update port forward", id); err != nil {
		return nil, err
	}

	return s.GetPortForward(ctx, id)
}

// DeletePortForward removes a forwarding rule.
func (s *Store) DeletePortForward(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("id is required")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM port_forwards WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete port forward %q: %w", id, err)
	}

	return requireAffected(res, "delete port forward", id)
}

func validatePortForward(forward PortForward) error {
	if strings.TrimSpace(forward.Name) == "" {
		return errors.New("name is required")
	}
	if err := validateForwardType(forward.Type); err != nil {
		return err
	}
	if strings.TrimSpace(forward.LocalHost) == "" {
		return errors.New("local_host is required")
	}
	if err := validatePort("local_port", forward.LocalPort); err != nil {
		return err
	}

	switch forward.Type {
	case forwardTypeDynamic:
		if forward.RemoteHost != nil || forward.RemotePort != nil {
			return errors.New("dynamic forwards must not set a remote endpoint")
		}
	default:
		if forward.RemoteHost == nil || strings.TrimSpace(*forward.RemoteHost) == "" {
			return fmt.Errorf("%s forwards require remote_host", forward.Type)
		}
		if forward.RemotePort == nil {
			return fmt.Errorf("%s forwards require remote_port", forward.Type)
		}
		if err := validatePort("remote_port", *forward.RemotePort); err != nil {
			return err
		}
	}

	return nil
}

func scanPortForward(row scanner) (*PortForward, error) {
	var (
		forward    PortForward
		remoteHost sql.NullString
		remotePort sql.NullInt64
	)
	if err := row.Scan(
		&forward.ID,
		&forward.SessionID,
		&forward.Name,
		&forward.Type,
		&forward.LocalHost,
		&forward.LocalPort,
		&remoteHost,
		&remotePort,
	); err != nil {
		return nil, err
	}

	forward.RemoteHost = stringPtr(remoteHost)
	forward.RemotePort = intPtrFromNullInt64(remotePort)
	return &forward, nil
}
