package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/moby/locker"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"noverterm/gateway"
	"noverterm/mapper"
	"noverterm/models"
	"noverterm/storage"
)

// KeyStoreOptions configures a KeyStore.
type KeyStoreOptions struct {
	Persistence gateway.Persistence
	Keys        gateway.KeyActions
	Logger      *zap.Logger
	OnError     ErrorFunc
}

// KeyStore holds key material records, newest first.
type KeyStore struct {
	listeners

	persistence gateway.Persistence
	keyActions  gateway.KeyActions
	report      reporter
	slots       locker.Locker
	initMu      sync.Mutex

	mu          sync.RWMutex
	initialized bool
	keys        []models.Key
	selectedID  string
}

// NewKeyStore creates an empty store. Call Init to load it.
func NewKeyStore(options KeyStoreOptions) (*KeyStore, error) {
	if options.Persistence == nil {
		return nil, fmt.Errorf("key store: persistence gateway is required")
	}
	if options.Keys == nil {
		return nil, fmt.Errorf("key store: key actions gateway is required")
	}
	return &KeyStore{
		persistence: options.Persistence,
		keyActions:  options.Keys,
		report:      newReporter(options.Logger, "keys", options.OnError),
		keys:        make([]models.Key, 0),
	}, nil
}

// Init loads every key once. Later calls are no-ops.
func (s *KeyStore) Init(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.RLock()
	initialized := s.initialized
	s.mu.RUnlock()
	if initialized {
		return nil
	}
	return s.Refresh(ctx)
}

// Refresh replaces the collection with the authority's. On failure the
// current collection stays as it is.
func (s *KeyStore) Refresh(ctx context.Context) error {
	records, err := s.persistence.ListKeys(ctx)
	if err != nil {
		return err
	}
	keys := lo.Map(records, func(rec storage.SSHKey, _ int) models.Key { return mapper.KeyToView(rec) })

	s.mu.Lock()
	s.keys = keys
	s.initialized = true
	if s.selectedID != "" && !lo.ContainsBy(keys, func(key models.Key) bool { return key.ID == s.selectedID }) {
		s.selectedID = ""
	}
	s.mu.Unlock()

	s.notify()
	return nil
}

// Keys returns a copy of every key.
func (s *KeyStore) Keys() []models.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(s.keys, func(key models.Key, _ int) models.Key { return key.Clone() })
}

// Key returns a copy of one key.
func (s *KeyStore) Key(id string) (models.Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := lo.Find(s.keys, func(key models.Key) bool { return key.ID == id })
	return key.Clone(), ok
}

// SelectedKeyID returns the selected key id, or "".
func (s *KeyStore) SelectedKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedID
}

// SetSelected selects a known key; an empty id clears the selection.
func (s *KeyStore) SetSelected(id string) error {
	s.mu.Lock()
	if id != "" && !lo.ContainsBy(s.keys, func(key models.Key) bool { return key.ID == id }) {
		s.mu.Unlock()
		return fmt.Errorf("key %q: %w", id, ErrNotFound)
	}
	s.selectedID = id
	s.mu.Unlock()

	s.notify()
	return nil
}

// Add generates a key pair, derives its fingerprint and persists the record.
// The key appears only after all three steps succeed; if a later step fails
// the generated files are discarded.
func (s *KeyStore) Add(ctx context.Context, input models.CreateKeyInput) (models.Key, error) {
	if err := models.Validate(input); err != nil {
		return models.Key{}, err
	}

	publicKey, err := s.keyActions.GenerateKey(ctx, input.Name, string(input.Type), input.Passphrase)
	if err != nil {
		return models.Key{}, err
	}
	fingerprint, err := s.keyActions.Fingerprint(ctx, publicKey)
	if err != nil {
		s.discard(ctx, input.Name, publicKey)
		return models.Key{}, err
	}
	rec, err := s.persistence.CreateKey(ctx, mapper.KeyToCreateInput(input, publicKey, fingerprint))
	if err != nil {
		s.discard(ctx, input.Name, publicKey)
		return models.Key{}, err
	}

	view := s.insert(mapper.KeyToView(rec))
	s.report.log.Info("key generated", zap.String("id", view.ID), zap.String("fingerprint", view.Fingerprint))
	return view, nil
}

// discard removes the files of a generated key that was never recorded.
func (s *KeyStore) discard(ctx context.Context, name, publicKey string) {
	if err := s.keyActions.DiscardKey(context.WithoutCancel(ctx), publicKey); err != nil {
		s.report.report("discard key", name, err)
	}
}

// Import registers an existing private key file and persists its record.
// An empty fingerprint is derived from the public key. The record is marked
// passphrase protected when the caller says so or the file turns out to be.
func (s *KeyStore) Import(ctx context.Context, input models.ImportKeyInput, fingerprint string, hasPassphrase bool) (models.Key, error) {
	if err := models.Validate(input); err != nil {
		return models.Key{}, err
	}

	protected, err := s.keyActions.ImportKey(ctx, input.PrivateKeyPath, input.Name)
	if err != nil {
		return models.Key{}, err
	}
	hasPassphrase = hasPassphrase || protected
	if fingerprint == "" {
		derived, err := s.keyActions.Fingerprint(ctx, input.PublicKey)
		if err != nil {
			return models.Key{}, err
		}
		fingerprint = derived
	}
	rec, err := s.persistence.CreateKey(ctx, mapper.ImportKeyToCreateInput(input, fingerprint, hasPassphrase))
	if err != nil {
		return models.Key{}, err
	}

	view := s.insert(mapper.KeyToView(rec))
	s.report.log.Info("key imported", zap.String("id", view.ID), zap.String("path", input.PrivateKeyPath))
	return view, nil
}

func (s *KeyStore) insert(view models.Key) models.Key {
	s.mu.Lock()
	if _, idx, ok := lo.FindIndexOf(s.keys, func(key models.Key) bool { return key.ID == view.ID }); ok {
		s.keys = replaceAt(s.keys, idx, view)
	} else {
		s.keys = insertAt(s.keys, 0, view)
	}
	s.mu.Unlock()

	s.notify()
	return view.Clone()
}

// Update renames a key through the authority. A failed call leaves the row
// untouched.
func (s *KeyStore) Update(ctx context.Context, id string, patch models.KeyPatch) (models.Key, error) {
	if err := models.Validate(patch); err != nil {
		return models.Key{}, err
	}

	s.slots.Lock(id)
	defer s.slots.Unlock(id)

	before, ok := s.Key(id)
	if !ok {
		return models.Key{}, fmt.Errorf("key %q: %w", id, ErrNotFound)
	}
	if patch.Name == nil {
		return before, nil
	}

	name := *patch.Name
	rec, err := s.persistence.UpdateKey(ctx, id, storage.UpdateSSHKeyInput{Name: &name})
	if err != nil {
		return models.Key{}, err
	}
	view := mapper.KeyToView(rec)

	s.mu.Lock()
	if _, idx, ok := lo.FindIndexOf(s.keys, func(key models.Key) bool { return key.ID == id }); ok {
		s.keys = replaceAt(s.keys, idx, view)
	}
	s.mu.Unlock()

	s.notify()
	return view.Clone(), nil
}

// Remove drops the key locally and then deletes it through the authority.
// A failed delete puts the key back and is reported, never returned.
func (s *KeyStore) Remove(ctx context.Context, id string) {
	s.slots.Lock(id)
	defer s.slots.Unlock(id)

	s.mu.Lock()
	removed, idx, ok := lo.FindIndexOf(s.keys, func(key models.Key) bool { return key.ID == id })
	if !ok {
		s.mu.Unlock()
		s.report.report("remove key", id, fmt.Errorf("key %q: %w", id, ErrNotFound))
		return
	}
	s.keys = removeAt(s.keys, idx)
	if s.selectedID == id {
		s.selectedID = ""
	}
	s.mu.Unlock()
	s.notify()

	if err := s.persistence.DeleteKey(ctx, id); err != nil {
		s.mu.Lock()
		if !lo.ContainsBy(s.keys, func(key models.Key) bool { return key.ID == id }) {
			s.keys = insertAt(s.keys, idx, removed)
		}
		s.mu.Unlock()
		s.notify()
		s.report.report("remove key", id, err)
		return
	}

	s.report.log.Info("key removed", zap.String("id", id))
}
