// Package gateway is the typed call surface the cache uses to reach its
// collaborators: the persistence authority, the connection-negotiation
// service and the key service. Gateways never retry, batch or cache.
package gateway

import (
	"context"

	"noverterm/storage"
)

const (
	KindGroup   = "group"
	KindSession = "session"
	KindKey     = "key"
	KindForward = "forward"

	OpList   = "list"
	OpGet    = "get"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Persistence is one call per entity kind and verb. Every failure is a
// *PersistenceError.
type Persistence interface {
	ListGroups(ctx context.Context) ([]storage.Group, error)
	GetGroup(ctx context.Context, id string) (storage.Group, error)
	CreateGroup(ctx context.Context, input storage.CreateGroupInput) (storage.Group, error)
	UpdateGroup(ctx context.Context, id string, input storage.UpdateGroupInput) (storage.Group, error)
	DeleteGroup(ctx context.Context, id string) error

	ListSessions(ctx context.Context) ([]storage.Session, error)
	GetSession(ctx context.Context, id string) (storage.Session, error)
	CreateSession(ctx context.Context, input storage.CreateSessionInput) (storage.Session, error)
	UpdateSession(ctx context.Context, id string, input storage.UpdateSessionInput) (storage.Session, error)
	DeleteSession(ctx context.Context, id string) error

	ListKeys(ctx context.Context) ([]storage.SSHKey, error)
	GetKey(ctx context.Context, id string) (storage.SSHKey, error)
	CreateKey(ctx context.Context, input storage.CreateSSHKeyInput) (storage.SSHKey, error)
	UpdateKey(ctx context.Context, id string, input storage.UpdateSSHKeyInput) (storage.SSHKey, error)
	DeleteKey(ctx context.Context, id string) error

	// ListForwards returns every rule when sessionID is empty.
	ListForwards(ctx context.Context, sessionID string) ([]storage.PortForward, error)
	GetForward(ctx context.Context, id string) (storage.PortForward, error)
	CreateForward(ctx context.Context, input storage.CreatePortForwardInput) (storage.PortForward, error)
	UpdateForward(ctx context.Context, id string, input storage.UpdatePortForwardInput) (storage.PortForward, error)
	DeleteForward(ctx context.Context, id string) error
}

// StorePersistence serves Persistence from the local SQLite store.
type StorePersistence struct {
	store *storage.Store
}

// NewStorePersistence wraps store.
func NewStorePersistence(store *storage.Store) *StorePersistence {
	return &StorePersistence{store: store}
}

var _ Persistence = (*StorePersistence)(nil)

func (p *StorePersistence) ListGroups(ctx context.Context) ([]storage.Group, error) {
	groups, err := p.store.ListGroups(ctx)
	return groups, persistenceErr(OpList, KindGroup, "", err)
}

func (p *StorePersistence) GetGroup(ctx context.Context, id string) (storage.Group, error) {
	rec, err := p.store.GetGroup(ctx, id)
	return deref(rec, err, OpGet, KindGroup, id)
}

func (p *StorePersistence) CreateGroup(ctx context.Context, input storage.CreateGroupInput) (storage.Group, error) {
	rec, err := p.store.CreateGroup(ctx, input)
	return deref(rec, err, OpCreate, KindGroup, "")
}

func (p *StorePersistence) UpdateGroup(ctx context.Context, id string, input storage.UpdateGroupInput) (storage.Group, error) {
	rec, err := p.store.UpdateGroup(ctx, id, input)
	return deref(rec, err, OpUpdate, KindGroup, id)
}

func (p *StorePersistence) DeleteGroup(ctx context.Context, id string) error {
	return persistenceErr(OpDelete, KindGroup, id, p.store.DeleteGroup(ctx, id))
}

func (p *StorePersistence) ListSessions(ctx context.Context) ([]storage.Session, error) {
	sessions, err := p.store.ListSessions(ctx)
	return sessions, persistenceErr(OpList, KindSession, "", err)
}

func (p *StorePersistence) GetSession(ctx context.Context, id string) (storage.Session, error) {
	rec, err := p.store.GetSession(ctx, id)
	return deref(rec, err, OpGet, KindSession, id)
}

func (p *StorePersistence) CreateSession(ctx context.Context, input storage.CreateSessionInput) (storage.Session, error) {
	rec, err := p.store.CreateSession(ctx, input)
	return deref(rec, err, OpCreate, KindSession, "")
}

func (p *StorePersistence) UpdateSession(ctx context.Context, id string, input storage.UpdateSessionInput) (storage.Session, error) {
	rec, err := p.store.UpdateSession(ctx, id, input)
	return deref(rec, err, OpUpdate, KindSession, id)
}

func (p *StorePersistence) DeleteSession(ctx context.Context, id string) error {
	return persistenceErr(OpDelete, KindSession, id, p.store.DeleteSession(ctx, id))
}

func (p *StorePersistence) ListKeys(ctx context.Context) ([]storage.SSHKey, error) {
	keys, err := p.store.ListSSHKeys(ctx)
	return keys, persistenceErr(OpList, KindKey, "", err)
}

func (p *StorePersistence) GetKey(ctx context.Context, id string) (storage.SSHKey, error) {
	rec, err := p.store.GetSSHKey(ctx, id)
	return deref(rec, err, OpGet, KindKey, id)
}

func (p *StorePersistence) CreateKey(ctx context.Context, input storage.CreateSSHKeyInput) (storage.SSHKey, error) {
	rec, err := p.store.CreateSSHKey(ctx, input)
	return deref(rec, err, OpCreate, KindKey, "")
}

func (p *StorePersistence) UpdateKey(ctx context.Context, id string, input storage.UpdateSSHKeyInput) (storage.SSHKey, error) {
	rec, err := p.store.UpdateSSHKey(ctx, id, input)
	return deref(rec, err, OpUpdate, KindKey, id)
}

func (p *StorePersistence) DeleteKey(ctx context.Context, id string) error {
	return persistenceErr(OpDelete, KindKey, id, p.store.DeleteSSHKey(ctx, id))
}

func (p *StorePersistence) ListForwards(ctx context.Context, sessionID string) ([]storage.PortForward, error) {
	forwards, err := p.store.ListPortForwards(ctx, sessionID)
	return forwards, persistenceErr(OpList, KindForward, sessionID, err)
}

func (p *StorePersistence) GetForward(ctx context.Context, id string) (storage.PortForward, error) {
	rec, err := p.store.GetPortForward(ctx, id)
	return deref(rec, err, OpGet, KindForward, id)
}

func (p *StorePersistence) CreateForward(ctx context.Context, input storage.CreatePortForwardInput) (storage.PortForward, error) {
	rec, err := p.store.CreatePortForward(ctx, input)
	return deref(rec, err, OpCreate, KindForward, "")
}

func (p *StorePersistence) UpdateForward(ctx context.Context, id string, input storage.UpdatePortForwardInput) (storage.PortForward, error) {
	rec, err := p.store.UpdatePortForward(ctx, id, input)
	return deref(rec, err, OpUpdate, KindForward, id)
}

func (p *StorePersistence) DeleteForward(ctx context.Context, id string) error {
	return persistenceErr(OpDelete, KindForward, id, p.store.DeletePortForward(ctx, id))
}

// deref adapts the storage (*T, error) shape to (T, *PersistenceError).
func deref[T any](rec *T, err error, op, kind, id string) (T, error) {
	var zero T
	if err != nil {
		return zero, persistenceErr(op, kind, id, err)
	}
	if rec == nil {
		return zero, persistenceErr(op, kind, id, storage.ErrNotFound)
	}
	return *rec, nil
}
