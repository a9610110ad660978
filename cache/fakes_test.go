package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"

	"noverterm/gateway"
	"noverterm/storage"
)

// fakePersistence is an in-memory authority that hands out "srv-N" ids.
type fakePersistence struct {
	mu       sync.Mutex
	nextID   int
	groups   []storage.Group
	sessions []storage.Session
	keys     []storage.SSHKey
	forwards []storage.PortForward
	failures map[string]error
	calls    []string
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{nextID: 1, failures: make(map[string]error)}
}

func (p *fakePersistence) fail(op, kind string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op+" "+kind] = err
}

func (p *fakePersistence) heal(op, kind string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failures, op+" "+kind)
}

func (p *fakePersistence) callCount(op, kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, call := range p.calls {
		if call == op+" "+kind {
			n++
		}
	}
	return n
}

// begin records the call and returns the configured failure, if any.
// Callers hold p.mu.
func (p *fakePersistence) begin(op, kind, id string) error {
	p.calls = append(p.calls, op+" "+kind)
	if err, ok := p.failures[op+" "+kind]; ok {
		return &gateway.PersistenceError{Op: op, Kind: kind, ID: id, Err: err}
	}
	return nil
}

func (p *fakePersistence) notFound(op, kind, id string) error {
	return &gateway.PersistenceError{Op: op, Kind: kind, ID: id, Err: storage.ErrNotFound}
}

func (p *fakePersistence) newID() string {
	id := fmt.Sprintf("srv-%d", p.nextID)
	p.nextID++
	return id
}

func (p *fakePersistence) seedGroup(id, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups = append(p.groups, storage.Group{ID: id, Name: name})
}

func (p *fakePersistence) seedSession(id, name, host string, groupID *string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, storage.Session{
		ID:         id,
		Name:       name,
		GroupID:    groupID,
		Host:       host,
		Port:       22,
		Username:   "ubuntu",
		AuthMethod: "password",
	})
}

func (p *fakePersistence) seedForward(id, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	remoteHost := "127.0.0.1"
	remotePort := 5432
	p.forwards = append(p.forwards, storage.PortForward{
		ID:         id,
		SessionID:  sessionID,
		Name:       "db-" + id,
		Type:       "local",
		LocalHost:  "127.0.0.1",
		LocalPort:  15432,
		RemoteHost: &remoteHost,
		RemotePort: &remotePort,
	})
}

func (p *fakePersistence) seedKey(id, name string, createdAt int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, storage.SSHKey{
		ID:          id,
		Name:        name,
		Type:        "ed25519",
		PublicKey:   "ssh-ed25519 AAAA " + name,
		Fingerprint: "SHA256:" + name,
		CreatedAt:   createdAt,
	})
}

func (p *fakePersistence) removeSessionRecord(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.sessions {
		if s.ID == id {
			p.sessions = append(p.sessions[:i:i], p.sessions[i+1:]...)
			return
		}
	}
}

func (p *fakePersistence) ListGroups(ctx context.Context) ([]storage.Group, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpList, gateway.KindGroup, ""); err != nil {
		return nil, err
	}
	return append([]storage.Group(nil), p.groups...), nil
}

func (p *fakePersistence) GetGroup(ctx context.Context, id string) (storage.Group, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpGet, gateway.KindGroup, id); err != nil {
		return storage.Group{}, err
	}
	for _, g := range p.groups {
		if g.ID == id {
			return g, nil
		}
	}
	return storage.Group{}, p.notFound(gateway.OpGet, gateway.KindGroup, id)
}

func (p *fakePersistence) CreateGroup(ctx context.Context, input storage.CreateGroupInput) (storage.Group, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpCreate, gateway.KindGroup, ""); err != nil {
		return storage.Group{}, err
	}
	g := storage.Group{ID: p.newID(), Name: input.Name, Color: input.Color}
	p.groups = append(p.groups, g)
	return g, nil
}

func (p *fakePersistence) UpdateGroup(ctx context.Context, id string, input storage.UpdateGroupInput) (storage.Group, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpUpdate, gateway.KindGroup, id); err != nil {
		return storage.Group{}, err
	}
	for i, g := range p.groups {
		if g.ID != id {
			continue
		}
		if input.Name != nil {
			g.Name = *input.Name
		}
		if input.Color != nil {
			g.Color = input.Color
			if *input.Color == "" {
				g.Color = nil
			}
		}
		p.groups[i] = g
		return g, nil
	}
	return storage.Group{}, p.notFound(gateway.OpUpdate, gateway.KindGroup, id)
}

func (p *fakePersistence) DeleteGroup(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpDelete, gateway.KindGroup, id); err != nil {
		return err
	}
	for i, g := range p.groups {
		if g.ID == id {
			p.groups = append(p.groups[:i:i], p.groups[i+1:]...)
			for j := range p.sessions {
				if p.sessions[j].GroupID != nil && *p.sessions[j].GroupID == id {
					p.sessions[j].GroupID = nil
				}
			}
			return nil
		}
	}
	return p.notFound(gateway.OpDelete, gateway.KindGroup, id)
}

func (p *fakePersistence) ListSessions(ctx context.Context) ([]storage.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpList, gateway.KindSession, ""); err != nil {
		return nil, err
	}
	return append([]storage.Session(nil), p.sessions...), nil
}

func (p *fakePersistence) GetSession(ctx context.Context, id string) (storage.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpGet, gateway.KindSession, id); err != nil {
		return storage.Session{}, err
	}
	for _, s := range p.sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return storage.Session{}, p.notFound(gateway.OpGet, gateway.KindSession, id)
}

func (p *fakePersistence) CreateSession(ctx context.Context, input storage.CreateSessionInput) (storage.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpCreate, gateway.KindSession, ""); err != nil {
		return storage.Session{}, err
	}
	s := storage.Session{
		ID:         p.newID(),
		Name:       input.Name,
		GroupID:    input.GroupID,
		Host:       input.Host,
		Port:       input.Port,
		Username:   input.Username,
		AuthMethod: input.AuthMethod,
		KeyID:      input.KeyID,
	}
	p.sessions = append(p.sessions, s)
	return s, nil
}

func (p *fakePersistence) UpdateSession(ctx context.Context, id string, input storage.UpdateSessionInput) (storage.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpUpdate, gateway.KindSession, id); err != nil {
		return storage.Session{}, err
	}
	for i, s := range p.sessions {
		if s.ID != id {
			continue
		}
		if input.Name != nil {
			s.Name = *input.Name
		}
		if input.GroupID != nil {
			s.GroupID = input.GroupID
			if *input.GroupID == "" {
				s.GroupID = nil
			}
		}
		if input.Host != nil {
			s.Host = *input.Host
		}
		if input.Port != nil {
			s.Port = *input.Port
		}
		if input.Username != nil {
			s.Username = *input.Username
		}
		if input.AuthMethod != nil {
			s.AuthMethod = *input.AuthMethod
		}
		if input.KeyID != nil {
			s.KeyID = input.KeyID
			if *input.KeyID == "" {
				s.KeyID = nil
			}
		}
		p.sessions[i] = s
		return s, nil
	}
	return storage.Session{}, p.notFound(gateway.OpUpdate, gateway.KindSession, id)
}

func (p *fakePersistence) DeleteSession(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpDelete, gateway.KindSession, id); err != nil {
		return err
	}
	for i, s := range p.sessions {
		if s.ID == id {
			p.sessions = append(p.sessions[:i:i], p.sessions[i+1:]...)
			p.forwards = lo.Reject(p.forwards, func(f storage.PortForward, _ int) bool { return f.SessionID == id })
			return nil
		}
	}
	return p.notFound(gateway.OpDelete, gateway.KindSession, id)
}

func (p *fakePersistence) ListKeys(ctx context.Context) ([]storage.SSHKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpList, gateway.KindKey, ""); err != nil {
		return nil, err
	}
	return append([]storage.SSHKey(nil), p.keys...), nil
}

func (p *fakePersistence) GetKey(ctx context.Context, id string) (storage.SSHKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpGet, gateway.KindKey, id); err != nil {
		return storage.SSHKey{}, err
	}
	for _, k := range p.keys {
		if k.ID == id {
			return k, nil
		}
	}
	return storage.SSHKey{}, p.notFound(gateway.OpGet, gateway.KindKey, id)
}

func (p *fakePersistence) CreateKey(ctx context.Context, input storage.CreateSSHKeyInput) (storage.SSHKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpCreate, gateway.KindKey, ""); err != nil {
		return storage.SSHKey{}, err
	}
	k := storage.SSHKey{
		ID:             p.newID(),
		Name:           input.Name,
		Type:           input.Type,
		PublicKey:      input.PublicKey,
		PrivateKeyPath: input.PrivateKeyPath,
		Fingerprint:    input.Fingerprint,
		HasPassphrase:  input.HasPassphrase,
		CreatedAt:      1700000000,
	}
	p.keys = append([]storage.SSHKey{k}, p.keys...)
	return k, nil
}

func (p *fakePersistence) UpdateKey(ctx context.Context, id string, input storage.UpdateSSHKeyInput) (storage.SSHKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpUpdate, gateway.KindKey, id); err != nil {
		return storage.SSHKey{}, err
	}
	for i, k := range p.keys {
		if k.ID == id {
			if input.Name != nil {
				k.Name = *input.Name
			}
			p.keys[i] = k
			return k, nil
		}
	}
	return storage.SSHKey{}, p.notFound(gateway.OpUpdate, gateway.KindKey, id)
}

func (p *fakePersistence) DeleteKey(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpDelete, gateway.KindKey, id); err != nil {
		return err
	}
	for i, k := range p.keys {
		if k.ID == id {
			p.keys = append(p.keys[:i:i], p.keys[i+1:]...)
			return nil
		}
	}
	return p.notFound(gateway.OpDelete, gateway.KindKey, id)
}

func (p *fakePersistence) ListForwards(ctx context.Context, sessionID string) ([]storage.PortForward, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpList, gateway.KindForward, sessionID); err != nil {
		return nil, err
	}
	out := make([]storage.PortForward, 0)
	for _, f := range p.forwards {
		if sessionID == "" || f.SessionID == sessionID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (p *fakePersistence) GetForward(ctx context.Context, id string) (storage.PortForward, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpGet, gateway.KindForward, id); err != nil {
		return storage.PortForward{}, err
	}
	for _, f := range p.forwards {
		if f.ID == id {
			return f, nil
		}
	}
	return storage.PortForward{}, p.notFound(gateway.OpGet, gateway.KindForward, id)
}

func (p *fakePersistence) CreateForward(ctx context.Context, input storage.CreatePortForwardInput) (storage.PortForward, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpCreate, gateway.KindForward, ""); err != nil {
		return storage.PortForward{}, err
	}
	f := storage.PortForward{
		ID:         p.newID(),
		SessionID:  input.SessionID,
		Name:       input.Name,
		Type:       input.Type,
		LocalHost:  input.LocalHost,
		LocalPort:  input.LocalPort,
		RemoteHost: input.RemoteHost,
		RemotePort: input.RemotePort,
	}
	p.forwards = append(p.forwards, f)
	return f, nil
}

func (p *fakePersistence) UpdateForward(ctx context.Context, id string, input storage.UpdatePortForwardInput) (storage.PortForward, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpUpdate, gateway.KindForward, id); err != nil {
		return storage.PortForward{}, err
	}
	for i, f := range p.forwards {
		if f.ID != id {
			continue
		}
		if input.Name != nil {
			f.Name = *input.Name
		}
		if input.LocalPort != nil {
			f.LocalPort = *input.LocalPort
		}
		if input.LocalHost != nil {
			f.LocalHost = *input.LocalHost
		}
		p.forwards[i] = f
		return f, nil
	}
	return storage.PortForward{}, p.notFound(gateway.OpUpdate, gateway.KindForward, id)
}

func (p *fakePersistence) DeleteForward(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(gateway.OpDelete, gateway.KindForward, id); err != nil {
		return err
	}
	for i, f := range p.forwards {
		if f.ID == id {
			p.forwards = append(p.forwards[:i:i], p.forwards[i+1:]...)
			return nil
		}
	}
	return p.notFound(gateway.OpDelete, gateway.KindForward, id)
}

// fakeActions records negotiation calls. connectGate, when set, blocks
// Connect until it is closed; connectEntered is signalled on entry.
type fakeActions struct {
	mu             sync.Mutex
	connectErr     error
	disconnectErr  error
	addErr         error
	removeErr      error
	toggleErr      error
	connectGate    chan struct{}
	connectEntered chan struct{}
	calls          []string
	toggles        []bool
	added          []storage.PortForward
}

func (a *fakeActions) record(call string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
}

func (a *fakeActions) recorded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeActions) negotiation(verb, id string, err error) error {
	if err == nil {
		return nil
	}
	return &gateway.NegotiationError{Verb: verb, ID: id, Err: err}
}

func (a *fakeActions) Connect(ctx context.Context, profileID, secret string) error {
	a.record(gateway.VerbConnect + " " + profileID)
	if a.connectEntered != nil {
		a.connectEntered <- struct{}{}
	}
	if a.connectGate != nil {
		<-a.connectGate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.negotiation(gateway.VerbConnect, profileID, a.connectErr)
}

func (a *fakeActions) Disconnect(ctx context.Context, profileID string) error {
	a.record(gateway.VerbDisconnect + " " + profileID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.negotiation(gateway.VerbDisconnect, profileID, a.disconnectErr)
}

func (a *fakeActions) AddForward(ctx context.Context, rule storage.PortForward) error {
	a.record(gateway.VerbAddForward + " " + rule.ID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.added = append(a.added, rule)
	return a.negotiation(gateway.VerbAddForward, rule.ID, a.addErr)
}

func (a *fakeActions) RemoveForward(ctx context.Context, id string) error {
	a.record(gateway.VerbRemoveForward + " " + id)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.negotiation(gateway.VerbRemoveForward, id, a.removeErr)
}

func (a *fakeActions) ToggleForward(ctx context.Context, id string, active bool) error {
	a.record(gateway.VerbToggleForward + " " + id)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toggles = append(a.toggles, active)
	return a.negotiation(gateway.VerbToggleForward, id, a.toggleErr)
}

// fakeKeyActions records key action calls.
type fakeKeyActions struct {
	mu             sync.Mutex
	generateErr    error
	fingerprintErr error
	importErr      error
	discardErr     error
	protected      bool
	calls          []string
	discarded      []string
}

func (k *fakeKeyActions) recorded() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.calls...)
}

func (k *fakeKeyActions) GenerateKey(ctx context.Context, name, algorithm, passphrase string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, gateway.VerbGenerateKey)
	if k.generateErr != nil {
		return "", &gateway.NegotiationError{Verb: gateway.VerbGenerateKey, ID: name, Err: k.generateErr}
	}
	return "ssh-" + algorithm + " AAAAgenerated " + name, nil
}

func (k *fakeKeyActions) Fingerprint(ctx context.Context, publicKey string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, gateway.VerbFingerprint)
	if k.fingerprintErr != nil {
		return "", &gateway.NegotiationError{Verb: gateway.VerbFingerprint, Err: k.fingerprintErr}
	}
	return "SHA256:derived", nil
}

func (k *fakeKeyActions) ImportKey(ctx context.Context, path, name string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, gateway.VerbImportKey)
	if k.importErr != nil {
		return false, &gateway.NegotiationError{Verb: gateway.VerbImportKey, ID: name, Err: k.importErr}
	}
	return k.protected, nil
}

func (k *fakeKeyActions) DiscardKey(ctx context.Context, publicKey string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, gateway.VerbDiscardKey)
	k.discarded = append(k.discarded, publicKey)
	if k.discardErr != nil {
		return &gateway.NegotiationError{Verb: gateway.VerbDiscardKey, Err: k.discardErr}
	}
	return nil
}

var (
	_ gateway.Persistence = (*fakePersistence)(nil)
	_ gateway.Actions     = (*fakeActions)(nil)
	_ gateway.KeyActions  = (*fakeKeyActions)(nil)
)

var errUnavailable = errors.New("authority unavailable")

// errorLog collects OnError reports.
type errorLog struct {
	mu   sync.Mutex
	errs []string
}

func (l *errorLog) hook(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, op)
}

func (l *errorLog) ops() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errs...)
}
