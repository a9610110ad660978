package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ListGroups returns all groups sorted by name.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, color
		FROM groups
		ORDER BY name, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]Group, 0)
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		groups = append(groups, *group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group rows: %w", err)
	}

	return groups, nil
}

// GetGroup fetches a group by ID.
func (s *Store) GetGroup(ctx context.Context, id string) (*Group, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, color
		FROM groups
		WHERE id = ?`,
		id,
	)

	group, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get group %q: %w", id, err)
	}

	return group, nil
}

// CreateGroup inserts a new group and returns the stored row.
func (s *Store) CreateGroup(ctx context.Context, input CreateGroupInput) (*Group, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, errors.New("name is required")
	}

	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (id, name, color) VALUES (?, ?, ?)`,
		id,
		input.Name,
		nullableString(input.Color),
	); err != nil {
		return nil, fmt.Errorf("insert group %q: %w", input.Name, err)
	}

	return s.GetGroup(ctx, id)
}

// UpdateGroup applies the non-nil fields of input and returns the stored row.
func (s *Store) UpdateGroup(ctx context.Context, id string, input UpdateGroupInput) (*Group, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}

	sets := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, errors.New("name must not be empty")
		}
		sets = append(sets, "name = ?")
		args = append(args, *input.Name)
	}
	if input.Color != nil {
		sets = append(sets, "color = ?")
		args = append(args, nullableString(input.Color))
	}
	if len(sets) == 0 {
		return s.GetGroup(ctx, id)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE groups SET "+strings.Join(sets, ", ")+" WHERE id = ?",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("update group %q: %w", id, err)
	}
	if err := requireAffected(res, "update group", id); err != nil {
		return nil, err
	}

	return s.GetGroup(ctx, id)
}

// DeleteGroup removes a group. Sessions referencing it keep existing with a
// NULL group_id.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("id is required")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete group %q: %w", id, err)
	}

	return requireAffected(res, "delete group", id)
}

func scanGroup(row scanner) (*Group, error) {
	var (
		group Group
		color sql.NullString
	)
	if err := row.Scan(&group.ID, &group.Name, &color); err != nil {
		return nil, err
	}

	group.Color = stringPtr(color)
	return &group, nil
}

func requireAffected(res sql.Result, op, id string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s %q: %w", op, id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
