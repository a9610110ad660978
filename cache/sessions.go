package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/moby/locker"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"noverterm/gateway"
	"noverterm/mapper"
	"noverterm/models"
	"noverterm/storage"
)

const forwardFetchConcurrency = 8

// SessionStoreOptions configures a SessionStore.
type SessionStoreOptions struct {
	Persistence gateway.Persistence
	Actions     gateway.Actions
	Logger      *zap.Logger
	// OnError receives failures that are logged rather than returned.
	OnError ErrorFunc
	// Forwards, when set, supplies each session's embedded rules and is
	// told when sessions are deleted or disconnected.
	Forwards *ForwardStore
}

// SessionStore holds connection profiles, their groups, the focused profile
// and the current view.
type SessionStore struct {
	listeners

	persistence gateway.Persistence
	actions     gateway.Actions
	forwards    *ForwardStore
	report      reporter
	slots       locker.Locker
	groupSlots  locker.Locker
	initMu      sync.Mutex
	syncMu      sync.Mutex

	mu          sync.RWMutex
	initialized bool
	sessions    []models.Session
	groups      []models.Group
	activeID    string
	view        models.View
}

// NewSessionStore creates an empty store. Call Init to load it.
func NewSessionStore(options SessionStoreOptions) (*SessionStore, error) {
	if options.Persistence == nil {
		return nil, fmt.Errorf("session store: persistence gateway is required")
	}
	if options.Actions == nil {
		return nil, fmt.Errorf("session store: actions gateway is required")
	}
	s := &SessionStore{
		persistence: options.Persistence,
		actions:     options.Actions,
		forwards:    options.Forwards,
		report:      newReporter(options.Logger, "sessions", options.OnError),
		sessions:    make([]models.Session, 0),
		groups:      make([]models.Group, 0),
		view:        models.ViewDashboard,
	}
	if s.forwards != nil {
		s.forwards.Subscribe(s.syncForwards)
	}
	return s, nil
}

// Init loads groups, sessions and every session's forwarding rules once.
// Later calls are no-ops.
func (s *SessionStore) Init(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.RLock()
	initialized := s.initialized
	s.mu.RUnlock()
	if initialized {
		return nil
	}

	groups, sessions, err := s.load(ctx)
	if err != nil {
		return err
	}

	s.syncMu.Lock()
	if bySession, ok := s.forwardIndex(); ok {
		sessions = attachForwards(sessions, bySession)
	}
	s.mu.Lock()
	s.groups = groups
	s.sessions = sessions
	s.initialized = true
	s.mu.Unlock()
	s.syncMu.Unlock()

	s.report.log.Debug("sessions loaded", zap.Int("sessions", len(sessions)), zap.Int("groups", len(groups)))
	s.notify()
	return nil
}

// Refresh re-fetches everything and replaces the collections, keeping the
// runtime fields of sessions that are already known. On failure the
// current collections stay as they are.
func (s *SessionStore) Refresh(ctx context.Context) error {
	groups, sessions, err := s.load(ctx)
	if err != nil {
		return err
	}

	s.syncMu.Lock()
	bySession, follow := s.forwardIndex()

	s.mu.Lock()
	prior := lo.KeyBy(s.sessions, func(session models.Session) string { return session.ID })
	for i := range sessions {
		if old, ok := prior[sessions[i].ID]; ok {
			sessions[i] = carryRuntime(sessions[i], old)
		}
	}
	if follow {
		sessions = attachForwards(sessions, bySession)
	}
	s.groups = groups
	s.sessions = sessions
	s.initialized = true
	if s.activeID != "" && !lo.ContainsBy(sessions, func(session models.Session) bool { return session.ID == s.activeID }) {
		s.clearActiveLocked()
	}
	s.mu.Unlock()
	s.syncMu.Unlock()

	s.notify()
	return nil
}

func (s *SessionStore) load(ctx context.Context) ([]models.Group, []models.Session, error) {
	groupRecords, err := s.persistence.ListGroups(ctx)
	if err != nil {
		return nil, nil, err
	}
	sessionRecords, err := s.persistence.ListSessions(ctx)
	if err != nil {
		return nil, nil, err
	}
	forwards, err := fetchForwards(ctx, s.persistence, sessionRecords)
	if err != nil {
		return nil, nil, err
	}

	groups := lo.Map(groupRecords, func(rec storage.Group, _ int) models.Group {
		return mapper.GroupToView(rec)
	})
	mctx := mapper.NewContext(groups, forwards)
	sessions := lo.Map(sessionRecords, func(rec storage.Session, _ int) models.Session {
		return mapper.SessionToView(rec, mctx)
	})
	return groups, sessions, nil
}

// fetchForwards lists the rules of every session concurrently.
func fetchForwards(ctx context.Context, persistence gateway.Persistence, sessions []storage.Session) ([]models.Forward, error) {
	perSession := make([][]storage.PortForward, len(sessions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(forwardFetchConcurrency)
	for i, session := range sessions {
		g.Go(func() error {
			records, err := persistence.ListForwards(gctx, session.ID)
			if err != nil {
				return err
			}
			perSession[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return mapper.ForwardsToView(lo.Flatten(perSession)), nil
}

// carryRuntime copies the runtime-only fields of old onto fresh. Embedded
// forwards keep their activity flag by rule id.
func carryRuntime(fresh, old models.Session) models.Session {
	old = old.Clone()
	fresh.Status = old.Status
	fresh.Error = old.Error
	fresh.Rows = old.Rows
	fresh.Cols = old.Cols

	active := lo.SliceToMap(old.Forwards, func(f models.Forward) (string, bool) { return f.ID, f.Active })
	for i := range fresh.Forwards {
		fresh.Forwards[i].Active = active[fresh.Forwards[i].ID]
	}
	return fresh
}

// forwardIndex groups the forward store's rules by session. It reports
// false when there is no loaded forward store to follow.
func (s *SessionStore) forwardIndex() (map[string][]models.Forward, bool) {
	if s.forwards == nil {
		return nil, false
	}
	rules, ok := s.forwards.snapshot()
	if !ok {
		return nil, false
	}
	return lo.GroupBy(rules, func(f models.Forward) string { return f.SessionID }), true
}

// syncForwards rebuilds every session's embedded rules from the forward
// store.
func (s *SessionStore) syncForwards() {
	s.syncMu.Lock()
	bySession, ok := s.forwardIndex()
	if !ok {
		s.syncMu.Unlock()
		return
	}
	s.mu.Lock()
	s.sessions = attachForwards(s.sessions, bySession)
	s.mu.Unlock()
	s.syncMu.Unlock()

	s.notify()
}

// attachForwards returns copies of sessions carrying their rules from
// bySession.
func attachForwards(sessions []models.Session, bySession map[string][]models.Forward) []models.Session {
	return lo.Map(sessions, func(session models.Session, _ int) models.Session {
		out := session.Clone()
		out.Forwards = lo.Map(bySession[session.ID], func(f models.Forward, _ int) models.Forward { return f.Clone() })
		return out
	})
}

// Sessions returns a copy of every session in insertion order.
func (s *SessionStore) Sessions() []models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(s.sessions, func(session models.Session, _ int) models.Session { return session.Clone() })
}

// Session returns a copy of one session.
func (s *SessionStore) Session(id string) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := lo.Find(s.sessions, func(session models.Session) bool { return session.ID == id })
	return session.Clone(), ok
}

// Groups returns a copy of every group.
func (s *SessionStore) Groups() []models.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(s.groups, func(group models.Group, _ int) models.Group { return group.Clone() })
}

// ActiveSessionID returns the focused session id, or "" when none is.
func (s *SessionStore) ActiveSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// View returns the current view.
func (s *SessionStore) View() models.View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Add creates a session through the authority and appends the stored row.
// Nothing is added locally unless the create call succeeds.
func (s *SessionStore) Add(ctx context.Context, input models.CreateSessionInput, groupID string) (models.Session, error) {
	if err := models.Validate(input); err != nil {
		return models.Session{}, err
	}

	rec, err := s.persistence.CreateSession(ctx, mapper.SessionToCreateInput(input, groupID))
	if err != nil {
		return models.Session{}, err
	}

	s.syncMu.Lock()
	bySession, follow := s.forwardIndex()

	s.mu.Lock()
	view := mapper.SessionToView(rec, mapper.NewContext(s.groups, nil))
	if follow {
		view = attachForwards([]models.Session{view}, bySession)[0]
	}
	if _, idx, ok := lo.FindIndexOf(s.sessions, func(session models.Session) bool { return session.ID == rec.ID }); ok {
		view = carryRuntime(view, s.sessions[idx])
		s.sessions = replaceAt(s.sessions, idx, view)
	} else {
		s.sessions = insertAt(s.sessions, len(s.sessions), view)
	}
	s.mu.Unlock()
	s.syncMu.Unlock()

	s.report.log.Info("session created", zap.String("id", rec.ID), zap.String("host", rec.Host))
	s.notify()
	return view.Clone(), nil
}

// Update sends the changed fields to the authority and then replaces the row
// with the stored result. A failed call leaves the row untouched.
func (s *SessionStore) Update(ctx context.Context, id string, patch models.SessionPatch) (models.Session, error) {
	if err := models.Validate(patch); err != nil {
		return models.Session{}, err
	}

	s.slots.Lock(id)
	defer s.slots.Unlock(id)

	s.mu.RLock()
	before, ok := lo.Find(s.sessions, func(session models.Session) bool { return session.ID == id })
	before = before.Clone()
	mctx := mapper.NewContext(s.groups, nil)
	s.mu.RUnlock()
	if !ok {
		return models.Session{}, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if patch.Group != nil && *patch.Group != "" {
		if _, known := mctx.GroupID(*patch.Group); !known {
			return models.Session{}, fmt.Errorf("group %q: %w", *patch.Group, ErrNotFound)
		}
	}
	if patch.Empty() {
		return before, nil
	}

	rec, err := s.persistence.UpdateSession(ctx, id, mapper.SessionPatchToUpdateInput(patch, mctx))
	if err != nil {
		return models.Session{}, err
	}

	s.mu.Lock()
	view := mapper.SessionToView(rec, mapper.NewContext(s.groups, nil))
	_, idx, ok := lo.FindIndexOf(s.sessions, func(session models.Session) bool { return session.ID == id })
	if !ok {
		s.mu.Unlock()
		return carryRuntime(view, before), nil
	}
	current := s.sessions[idx].Clone()
	view = carryRuntime(view, current)
	view.Forwards = current.Forwards
	view.Status = before.Status
	view.Error = before.Error
	s.sessions = replaceAt(s.sessions, idx, view)
	s.mu.Unlock()

	s.notify()
	return view.Clone(), nil
}

// Remove drops the session locally and then deletes it through the
// authority. If the delete fails the row is put back where it was and the
// failure is reported; it is never returned.
func (s *SessionStore) Remove(ctx context.Context, id string) {
	s.slots.Lock(id)
	defer s.slots.Unlock(id)

	s.mu.Lock()
	removed, idx, ok := lo.FindIndexOf(s.sessions, func(session models.Session) bool { return session.ID == id })
	if !ok {
		s.mu.Unlock()
		s.report.report("remove session", id, fmt.Errorf("session %q: %w", id, ErrNotFound))
		return
	}
	s.sessions = removeAt(s.sessions, idx)
	if s.activeID == id {
		s.clearActiveLocked()
	}
	s.mu.Unlock()
	s.notify()

	if err := s.persistence.DeleteSession(ctx, id); err != nil {
		s.mu.Lock()
		if !lo.ContainsBy(s.sessions, func(session models.Session) bool { return session.ID == id }) {
			s.sessions = insertAt(s.sessions, idx, removed)
		}
		s.mu.Unlock()
		s.notify()
		s.report.report("remove session", id, err)
		return
	}

	if s.forwards != nil {
		s.forwards.DropSession(ctx, id)
	}
	s.report.log.Info("session removed", zap.String("id", id))
}

// SetActive focuses id and switches to the terminal view. An empty id is
// the same as ClearActive.
func (s *SessionStore) SetActive(id string) {
	if id == "" {
		s.ClearActive()
		return
	}

	s.mu.Lock()
	s.activeID = id
	s.view = models.ViewTerminal
	s.mu.Unlock()
	s.notify()
}

// ClearActive drops the focus and returns to the dashboard.
func (s *SessionStore) ClearActive() {
	s.mu.Lock()
	s.clearActiveLocked()
	s.mu.Unlock()
	s.notify()
}

func (s *SessionStore) clearActiveLocked() {
	s.activeID = ""
	s.view = models.ViewDashboard
}

// SetView switches the current view without touching the focus.
func (s *SessionStore) SetView(view models.View) error {
	if !view.Valid() {
		return fmt.Errorf("unknown view %q", view)
	}

	s.mu.Lock()
	s.view = view
	s.mu.Unlock()
	s.notify()
	return nil
}

// Resize records the terminal geometry of a session.
func (s *SessionStore) Resize(id string, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", rows, cols)
	}
	if !s.mutate(id, func(session *models.Session) {
		session.Rows = rows
		session.Cols = cols
	}) {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return nil
}

// Connect marks the session as connecting and asks the negotiation service
// to connect it. Success makes it live and focused; failure is recorded in
// the session's status and error rather than returned.
func (s *SessionStore) Connect(ctx context.Context, id, secret string) {
	s.slots.Lock(id)
	defer s.slots.Unlock(id)

	if !s.mutate(id, func(session *models.Session) {
		session.Status = models.StatusConnecting
		session.Error = nil
	}) {
		s.report.report("connect", id, fmt.Errorf("session %q: %w", id, ErrNotFound))
		return
	}

	if err := s.actions.Connect(ctx, id, secret); err != nil {
		message := gateway.ErrorMessage(err)
		s.mutate(id, func(session *models.Session) {
			session.Status = models.StatusFailed
			session.Error = &message
		})
		s.report.log.Warn("connect failed", zap.String("id", id), zap.Error(err))
		return
	}

	s.mu.Lock()
	_, idx, ok := lo.FindIndexOf(s.sessions, func(session models.Session) bool { return session.ID == id })
	if ok {
		live := s.sessions[idx].Clone()
		live.Status = models.StatusLive
		live.Error = nil
		s.sessions = replaceAt(s.sessions, idx, live)
		s.activeID = id
		s.view = models.ViewTerminal
	}
	s.mu.Unlock()
	s.notify()

	s.report.log.Info("session connected", zap.String("id", id))
}

// Disconnect asks the negotiation service to disconnect the session and
// marks it idle whatever the outcome. A failed call is reported.
func (s *SessionStore) Disconnect(ctx context.Context, id string) {
	s.slots.Lock(id)
	defer s.slots.Unlock(id)

	if _, ok := s.Session(id); !ok {
		s.report.report("disconnect", id, fmt.Errorf("session %q: %w", id, ErrNotFound))
		return
	}

	if err := s.actions.Disconnect(ctx, id); err != nil {
		s.report.report("disconnect", id, err)
	}

	s.mutate(id, func(session *models.Session) {
		session.Status = models.StatusIdle
		session.Error = nil
	})
	if s.forwards != nil {
		s.forwards.Deactivate(id)
	}
}

// Follow marks sessions failed as their connections drop, until links is
// closed or ctx is done. Only live sessions are affected; their rules are
// deactivated.
func (s *SessionStore) Follow(ctx context.Context, links <-chan gateway.LinkEvent) {
	for {
		select {
		case link, ok := <-links:
			if !ok {
				return
			}
			s.dropLink(link)
		case <-ctx.Done():
			return
		}
	}
}

func (s *SessionStore) dropLink(link gateway.LinkEvent) {
	s.slots.Lock(link.SessionID)
	defer s.slots.Unlock(link.SessionID)

	session, ok := s.Session(link.SessionID)
	if !ok || session.Status != models.StatusLive {
		return
	}
	reason := link.Reason
	s.mutate(link.SessionID, func(session *models.Session) {
		session.Status = models.StatusFailed
		session.Error = &reason
	})
	if s.forwards != nil {
		s.forwards.Deactivate(link.SessionID)
	}
	s.report.log.Warn("connection dropped", zap.String("id", link.SessionID), zap.String("reason", reason))
}

// mutate replaces the row for id with a modified copy. It reports whether
// the row exists.
func (s *SessionStore) mutate(id string, fn func(*models.Session)) bool {
	s.mu.Lock()
	_, idx, ok := lo.FindIndexOf(s.sessions, func(session models.Session) bool { return session.ID == id })
	if !ok {
		s.mu.Unlock()
		return false
	}
	next := s.sessions[idx].Clone()
	fn(&next)
	s.sessions = replaceAt(s.sessions, idx, next)
	s.mu.Unlock()

	s.notify()
	return true
}

// AddGroup creates a group through the authority and appends it.
func (s *SessionStore) AddGroup(ctx context.Context, input models.CreateGroupInput) (models.Group, error) {
	if err := models.Validate(input); err != nil {
		return models.Group{}, err
	}

	rec, err := s.persistence.CreateGroup(ctx, mapper.GroupToCreateInput(input))
	if err != nil {
		return models.Group{}, err
	}
	view := mapper.GroupToView(rec)

	s.mu.Lock()
	if _, idx, ok := lo.FindIndexOf(s.groups, func(group models.Group) bool { return group.ID == rec.ID }); ok {
		s.groups = replaceAt(s.groups, idx, view)
	} else {
		s.groups = insertAt(s.groups, len(s.groups), view)
	}
	s.mu.Unlock()

	s.notify()
	return view.Clone(), nil
}

// UpdateGroup applies patch through the authority. A rename is carried to
// every session that showed the old name.
func (s *SessionStore) UpdateGroup(ctx context.Context, id string, patch models.GroupPatch) (models.Group, error) {
	if err := models.Validate(patch); err != nil {
		return models.Group{}, err
	}

	s.groupSlots.Lock(id)
	defer s.groupSlots.Unlock(id)

	s.mu.RLock()
	before, ok := lo.Find(s.groups, func(group models.Group) bool { return group.ID == id })
	s.mu.RUnlock()
	if !ok {
		return models.Group{}, fmt.Errorf("group %q: %w", id, ErrNotFound)
	}

	rec, err := s.persistence.UpdateGroup(ctx, id, mapper.GroupPatchToUpdateInput(patch))
	if err != nil {
		return models.Group{}, err
	}
	view := mapper.GroupToView(rec)

	s.mu.Lock()
	_, idx, ok := lo.FindIndexOf(s.groups, func(group models.Group) bool { return group.ID == id })
	if ok {
		s.groups = replaceAt(s.groups, idx, view)
	}
	if view.Name != before.Name && !s.groupNameInUseLocked(before.Name) {
		s.sessions = renameGroup(s.sessions, before.Name, &view.Name)
	}
	s.mu.Unlock()

	s.notify()
	return view.Clone(), nil
}

// DeleteGroup removes the group locally, detaches its name from every
// session, and then deletes it through the authority. A failed delete puts
// the group and the detached names back and is reported, never returned.
func (s *SessionStore) DeleteGroup(ctx context.Context, id string) {
	s.groupSlots.Lock(id)
	defer s.groupSlots.Unlock(id)

	s.mu.Lock()
	removed, idx, ok := lo.FindIndexOf(s.groups, func(group models.Group) bool { return group.ID == id })
	if !ok {
		s.mu.Unlock()
		s.report.report("delete group", id, fmt.Errorf("group %q: %w", id, ErrNotFound))
		return
	}
	s.groups = removeAt(s.groups, idx)
	var detached []string
	if !s.groupNameInUseLocked(removed.Name) {
		detached = lo.FilterMap(s.sessions, func(session models.Session, _ int) (string, bool) {
			return session.ID, session.Group != nil && *session.Group == removed.Name
		})
		s.sessions = renameGroup(s.sessions, removed.Name, nil)
	}
	s.mu.Unlock()
	s.notify()

	if err := s.persistence.DeleteGroup(ctx, id); err != nil {
		s.mu.Lock()
		if !lo.ContainsBy(s.groups, func(group models.Group) bool { return group.ID == id }) {
			s.groups = insertAt(s.groups, idx, removed)
		}
		for _, sessionID := range detached {
			if _, i, ok := lo.FindIndexOf(s.sessions, func(session models.Session) bool { return session.ID == sessionID }); ok && s.sessions[i].Group == nil {
				restored := s.sessions[i].Clone()
				name := removed.Name
				restored.Group = &name
				s.sessions = replaceAt(s.sessions, i, restored)
			}
		}
		s.mu.Unlock()
		s.notify()
		s.report.report("delete group", id, err)
		return
	}

	s.report.log.Info("group deleted", zap.String("id", id), zap.Int("detached_sessions", len(detached)))
}

func (s *SessionStore) groupNameInUseLocked(name string) bool {
	return lo.ContainsBy(s.groups, func(group models.Group) bool { return group.Name == name })
}

// renameGroup returns sessions with every reference to from replaced by to;
// a nil to detaches the group.
func renameGroup(sessions []models.Session, from string, to *string) []models.Session {
	return lo.Map(sessions, func(session models.Session, _ int) models.Session {
		if session.Group == nil || *session.Group != from {
			return session
		}
		out := session.Clone()
		if to == nil {
			out.Group = nil
		} else {
			name := *to
			out.Group = &name
		}
		return out
	})
}
