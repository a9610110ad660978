package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetConnectionEventRetention configures automatic connection-event pruning horizon.
func (s *Store) SetConnectionEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultConnectionEventRetention
	}
	s.connectionEventRetention = retention
}

// LogConnectionEvent inserts a connection lifecycle event and applies retention pruning.
func (s *Store) LogConnectionEvent(ctx context.Context, event ConnectionEvent) error {
	if strings.TrimSpace(event.SessionID) == "" {
		return errors.New("session_id is required")
	}
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_events (
			session_id,
			event_type,
			details,
			timestamp
		) VALUES (?, ?, ?, ?)`,
		event.SessionID,
		event.EventType,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert connection event %q: %w", event.EventType, err)
	}

	if s.connectionEventRetention > 0 {
		cutoff := time.Now().Add(-s.connectionEventRetention).UnixMilli()
		if _, err := s.PruneConnectionEvents(ctx, cutoff); err != nil {
			return fmt.Errorf("prune connection events: %w", err)
		}
	}

	return nil
}

// ListConnectionEvents returns recent connection events, newest first.
func (s *Store) ListConnectionEvents(ctx context.Context, filter ConnectionEventFilter) ([]ConnectionEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		session_id,
		event_type,
		details,
		timestamp
	FROM connection_events`)

	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list connection events: %w", err)
	}
	defer rows.Close()

	events := make([]ConnectionEvent, 0)
	for rows.Next() {
		event, err := scanConnectionEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connection event rows: %w", err)
	}

	return events, nil
}

// PruneConnectionEvents removes connection events older than cutoffTimestamp.
func (s *Store) PruneConnectionEvents(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM connection_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune connection events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for connection event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanConnectionEvent(row scanner) (*ConnectionEvent, error) {
	var event ConnectionEvent
	if err := row.Scan(
		&event.ID,
		&event.SessionID,
		&event.EventType,
		&event.Details,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}
	return &event, nil
}
