package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	authMethodPassword = "password"
	authMethodKey      = "key"
	authMethodAgent    = "agent"
)

const (
	keyTypeRSA     = "rsa"
	keyTypeEd25519 = "ed25519"
	keyTypeECDSA   = "ecdsa"
)

const (
	forwardTypeLocal   = "local"
	forwardTypeRemote  = "remote"
	forwardTypeDynamic = "dynamic"
)

// Group is the persisted form of a session grouping label.
type Group struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Color *string `json:"color,omitempty"`
}

// CreateGroupInput carries the fields accepted when creating a group.
type CreateGroupInput struct {
	Name  string  `json:"name"`
	Color *string `json:"color,omitempty"`
}

// UpdateGroupInput is a partial group update. A non-nil empty Color clears it.
type UpdateGroupInput struct {
	Name  *string `json:"name,omitempty"`
	Color *string `json:"color,omitempty"`
}

// Session is the persisted form of a connection profile.
type Session struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	GroupID    *string `json:"group_id,omitempty"`
	Host       string  `json:"host"`
	Port       int     `json:"port"`
	Username   string  `json:"username"`
	AuthMethod string  `json:"auth_method"`
	KeyID      *string `json:"key_id,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

// CreateSessionInput carries the fields accepted when creating a session.
type CreateSessionInput struct {
	Name       string  `json:"name"`
	GroupID    *string `json:"group_id,omitempty"`
	Host       string  `json:"host"`
	Port       int     `json:"port"`
	Username   string  `json:"username"`
	AuthMethod string  `json:"auth_method"`
	KeyID      *string `json:"key_id,omitempty"`
}

// UpdateSessionInput is a partial session update. A non-nil empty GroupID or
// KeyID sets the column to NULL.
type UpdateSessionInput struct {
	Name       *string `json:"name,omitempty"`
	GroupID    *string `json:"group_id,omitempty"`
	Host       *string `json:"host,omitempty"`
	Port       *int    `json:"port,omitempty"`
	Username   *string `json:"username,omitempty"`
	AuthMethod *string `json:"auth_method,omitempty"`
	KeyID      *string `json:"key_id,omitempty"`
}

// SSHKey is the persisted form of a key record. CreatedAt is unix seconds.
type SSHKey struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	PublicKey      string  `json:"public_key"`
	PrivateKeyPath *string `json:"private_key_path,omitempty"`
	Fingerprint    string  `json:"fingerprint"`
	HasPassphrase  bool    `json:"has_passphrase"`
	CreatedAt      int64   `json:"created_at"`
}

// CreateSSHKeyInput carries the fields accepted when creating a key record.
type CreateSSHKeyInput struct {
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	PublicKey      string  `json:"public_key"`
	PrivateKeyPath *string `json:"private_key_path,omitempty"`
	Fingerprint    string  `json:"fingerprint"`
	HasPassphrase  bool    `json:"has_passphrase"`
}

// UpdateSSHKeyInput is a partial key update; only the display name is mutable.
type UpdateSSHKeyInput struct {
	Name *string `json:"name,omitempty"`
}

// PortForward is the persisted form of a forwarding rule.
type PortForward struct {
	ID         string  `json:"id"`
	SessionID  string  `json:"session_id"`
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	LocalHost  string  `json:"local_host"`
	LocalPort  int     `json:"local_port"`
	RemoteHost *string `json:"remote_host,omitempty"`
	RemotePort *int    `json:"remote_port,omitempty"`
}

// CreatePortForwardInput carries the fields accepted when creating a forwarding rule.
type CreatePortForwardInput struct {
	SessionID  string  `json:"session_id"`
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	LocalHost  string  `json:"local_host"`
	LocalPort  int     `json:"local_port"`
	RemoteHost *string `json:"remote_host,omitempty"`
	RemotePort *int    `json:"remote_port,omitempty"`
}

// UpdatePortForwardInput is a partial forwarding rule update. A non-nil empty
// RemoteHost or a non-nil zero RemotePort sets the column to NULL.
type UpdatePortForwardInput struct {
	Name       *string `json:"name,omitempty"`
	Type       *string `json:"type,omitempty"`
	LocalHost  *string `json:"local_host,omitempty"`
	LocalPort  *int    `json:"local_port,omitempty"`
	RemoteHost *string `json:"remote_host,omitempty"`
	RemotePort *int    `json:"remote_port,omitempty"`
}

// ConnectionEvent records one connection lifecycle outcome for a session.
type ConnectionEvent struct {
	ID        int64
	SessionID string
	EventType string
	Details   string
	Timestamp int64
}

// ConnectionEventFilter narrows ListConnectionEvents query results.
type ConnectionEventFilter struct {
	SessionID string
	EventType string
	Limit     int
	Offset    int
}

func validateAuthMethod(method string) error {
	switch method {
	case authMethodPassword, authMethodKey, authMethodAgent:
		return nil
	default:
		return fmt.Errorf("invalid auth method %q", method)
	}
}

func validateKeyType(keyType string) error {
	switch keyType {
	case keyTypeRSA, keyTypeEd25519, keyTypeECDSA:
		return nil
	default:
		return fmt.Errorf("invalid key type %q", keyType)
	}
}

func validateForwardType(forwardType string) error {
	switch forwardType {
	case forwardTypeLocal, forwardTypeRemote, forwardTypeDynamic:
		return nil
	default:
		return fmt.Errorf("invalid forward type %q", forwardType)
	}
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", field, port)
	}
	return nil
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

// nullableString maps nil and "" to NULL.
func nullableString(ptr *string) sql.NullString {
	if ptr == nil || *ptr == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64FromInt(ptr *int) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ptr), Valid: true}
}

// nullablePort maps nil and 0 to NULL.
func nullablePort(ptr *int) sql.NullInt64 {
	if ptr == nil || *ptr == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ptr), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func intPtrFromNullInt64(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nowUnix() int64 {
	return time.Now().Unix()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}
