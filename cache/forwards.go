package cache

import (
	"context"
	"errors"
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

// ForwardStoreOptions configures a ForwardStore.
type ForwardStoreOptions struct {
	Persistence gateway.Persistence
	Actions     gateway.Actions
	Logger      *zap.Logger
	OnError     ErrorFunc
}

// ForwardStore holds forwarding rules and whether each is running.
type ForwardStore struct {
	listeners

	persistence gateway.Persistence
	actions     gateway.Actions
	report      reporter
	slots       locker.Locker
	initMu      sync.Mutex

	mu          sync.RWMutex
	initialized bool
	forwards    []models.Forward
}

// NewForwardStore creates an empty store. Call Init to load it.
func NewForwardStore(options ForwardStoreOptions) (*ForwardStore, error) {
	if options.Persistence == nil {
		return nil, fmt.Errorf("forward store: persistence gateway is required")
	}
	if options.Actions == nil {
		return nil, fmt.Errorf("forward store: actions gateway is required")
	}
	return &ForwardStore{
		persistence: options.Persistence,
		actions:     options.Actions,
		report:      newReporter(options.Logger, "forwards", options.OnError),
		forwards:    make([]models.Forward, 0),
	}, nil
}

// Init loads every rule once. Later calls are no-ops.
func (s *ForwardStore) Init(ctx context.Context) error {
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

// Refresh replaces the collection with the authority's, keeping the activity
// flag of known rules. On failure the current collection stays as it is.
func (s *ForwardStore) Refresh(ctx context.Context) error {
	records, err := s.persistence.ListForwards(ctx, "")
	if err != nil {
		return err
	}
	forwards := mapper.ForwardsToView(records)

	s.mu.Lock()
	active := lo.SliceToMap(s.forwards, func(f models.Forward) (string, bool) { return f.ID, f.Active })
	for i := range forwards {
		forwards[i].Active = active[forwards[i].ID]
	}
	s.forwards = forwards
	s.initialized = true
	s.mu.Unlock()

	s.notify()
	return nil
}

// snapshot returns a copy of every rule and whether the store has loaded.
func (s *ForwardStore) snapshot() ([]models.Forward, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(s.forwards, func(f models.Forward, _ int) models.Forward { return f.Clone() }), s.initialized
}

// Forwards returns a copy of every rule.
func (s *ForwardStore) Forwards() []models.Forward {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(s.forwards, func(f models.Forward, _ int) models.Forward { return f.Clone() })
}

// Forward returns a copy of one rule.
func (s *ForwardStore) Forward(id string) (models.Forward, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := lo.Find(s.forwards, func(f models.Forward) bool { return f.ID == id })
	return f.Clone(), ok
}

// BySession returns copies of the rules owned by sessionID.
func (s *ForwardStore) BySession(sessionID string) []models.Forward {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.FilterMap(s.forwards, func(f models.Forward, _ int) (models.Forward, bool) {
		return f.Clone(), f.SessionID == sessionID
	})
}

// Add persists a rule for an existing session and appends it inactive. The
// rule is then offered to the negotiation service; a failure there is
// reported and the rule is kept.
func (s *ForwardStore) Add(ctx context.Context, input models.CreateForwardInput) (models.Forward, error) {
	if err := models.Validate(input); err != nil {
		return models.Forward{}, err
	}

	if _, err := s.persistence.GetSession(ctx, input.SessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Forward{}, fmt.Errorf("session %q: %w", input.SessionID, ErrOrphanForward)
		}
		return models.Forward{}, err
	}

	rec, err := s.persistence.CreateForward(ctx, mapper.ForwardToCreateInput(input))
	if err != nil {
		return models.Forward{}, err
	}
	view := mapper.ForwardToView(rec)

	s.mu.Lock()
	if _, idx, ok := lo.FindIndexOf(s.forwards, func(f models.Forward) bool { return f.ID == rec.ID }); ok {
		view.Active = s.forwards[idx].Active
		s.forwards = replaceAt(s.forwards, idx, view)
	} else {
		s.forwards = insertAt(s.forwards, len(s.forwards), view)
	}
	s.mu.Unlock()
	s.notify()

	if err := s.actions.AddForward(ctx, rec); err != nil {
		s.report.report("register forward", rec.ID, err)
	}

	s.report.log.Info("forward created", zap.String("id", rec.ID), zap.String("session_id", rec.SessionID))
	return view.Clone(), nil
}

// Update applies patch through the authority and replaces the row, keeping
// its activity flag. A failed call leaves the row untouched.
func (s *ForwardStore) Update(ctx context.Context, id string, patch models.ForwardPatch) (models.Forward, error) {
	if err := models.Validate(patch); err != nil {
		return models.Forward{}, err
	}

	s.slots.Lock(id)
	defer s.slots.Unlock(id)

	if _, ok := s.Forward(id); !ok {
		return models.Forward{}, fmt.Errorf("forward %q: %w", id, ErrNotFound)
	}

	rec, err := s.persistence.UpdateForward(ctx, id, mapper.ForwardPatchToUpdateInput(patch))
	if err != nil {
		return models.Forward{}, err
	}
	view := mapper.ForwardToView(rec)

	s.mu.Lock()
	if _, idx, ok := lo.FindIndexOf(s.forwards, func(f models.Forward) bool { return f.ID == id }); ok {
		view.Active = s.forwards[idx].Active
		s.forwards = replaceAt(s.forwards, idx, view)
	}
	s.mu.Unlock()
	s.notify()

	if err := s.actions.AddForward(ctx, rec); err != nil {
		s.report.report("register forward", id, err)
	}
	return view.Clone(), nil
}

// Remove drops the rule locally, deletes it through the authority and then
// withdraws it from the negotiation service. A failed delete puts the rule
// back; failures are reported, never returned.
func (s *ForwardStore) Remove(ctx context.Context, id string) {
	s.slots.Lock(id)
	defer s.slots.Unlock(id)

	s.mu.Lock()
	removed, idx, ok := lo.FindIndexOf(s.forwards, func(f models.Forward) bool { return f.ID == id })
	if !ok {
		s.mu.Unlock()
		s.report.report("remove forward", id, fmt.Errorf("forward %q: %w", id, ErrNotFound))
		return
	}
	s.forwards = removeAt(s.forwards, idx)
	s.mu.Unlock()
	s.notify()

	if err := s.persistence.DeleteForward(ctx, id); err != nil {
		s.mu.Lock()
		if !lo.ContainsBy(s.forwards, func(f models.Forward) bool { return f.ID == id }) {
			s.forwards = insertAt(s.forwards, idx, removed)
		}
		s.mu.Unlock()
		s.notify()
		s.report.report("remove forward", id, err)
		return
	}

	if err := s.actions.RemoveForward(ctx, id); err != nil {
		s.report.report("unregister forward", id, err)
	}
	s.report.log.Info("forward removed", zap.String("id", id))
}

// Toggle flips the rule's activity immediately and asks the negotiation
// service to follow. If that fails the flag returns to its value before the
// call and the error is returned.
func (s *ForwardStore) Toggle(ctx context.Context, id string) error {
	s.slots.Lock(id)
	defer s.slots.Unlock(id)

	s.mu.Lock()
	before, idx, ok := lo.FindIndexOf(s.forwards, func(f models.Forward) bool { return f.ID == id })
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("forward %q: %w", id, ErrNotFound)
	}
	next := before.Clone()
	next.Active = !before.Active
	s.forwards = replaceAt(s.forwards, idx, next)
	s.mu.Unlock()
	s.notify()

	if err := s.actions.ToggleForward(ctx, id, next.Active); err != nil {
		s.mu.Lock()
		if _, idx, ok := lo.FindIndexOf(s.forwards, func(f models.Forward) bool { return f.ID == id }); ok {
			reverted := s.forwards[idx].Clone()
			reverted.Active = before.Active
			s.forwards = replaceAt(s.forwards, idx, reverted)
		}
		s.mu.Unlock()
		s.notify()
		s.report.log.Warn("toggle forward failed", zap.String("id", id), zap.Bool("active", next.Active), zap.Error(err))
		return err
	}

	s.report.log.Info("forward toggled", zap.String("id", id), zap.Bool("active", next.Active))
	return nil
}

// DropSession forgets the rules of a deleted session and withdraws them from
// the negotiation service. The authority removes the stored rules with their
// session. Withdrawal failures are reported.
func (s *ForwardStore) DropSession(ctx context.Context, sessionID string) {
	s.mu.Lock()
	dropped, kept := lo.FilterReject(s.forwards, func(f models.Forward, _ int) bool { return f.SessionID == sessionID })
	if len(dropped) == 0 {
		s.mu.Unlock()
		return
	}
	s.forwards = kept
	s.mu.Unlock()
	s.notify()

	for _, f := range dropped {
		if err := s.actions.RemoveForward(ctx, f.ID); err != nil {
			s.report.report("unregister forward", f.ID, err)
		}
	}
	s.report.log.Info("session forwards dropped", zap.String("session_id", sessionID), zap.Int("forwards", len(dropped)))
}

// Deactivate clears the activity flag of every rule owned by sessionID.
func (s *ForwardStore) Deactivate(sessionID string) {
	s.mu.Lock()
	changed := false
	next := lo.Map(s.forwards, func(f models.Forward, _ int) models.Forward {
		if f.SessionID != sessionID || !f.Active {
			return f
		}
		changed = true
		out := f.Clone()
		out.Active = false
		return out
	})
	if changed {
		s.forwards = next
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}
