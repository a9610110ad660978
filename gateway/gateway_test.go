package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noverterm/crypto"
	"noverterm/network"
	"noverterm/storage"
)

func newTestPersistence(t *testing.T) *StorePersistence {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return NewStorePersistence(store)
}

func TestStorePersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	group, err := p.CreateGroup(ctx, storage.CreateGroupInput{Name: "Production"})
	require.NoError(t, err)

	session, err := p.CreateSession(ctx, storage.CreateSessionInput{
		Name:       "web",
		GroupID:    &group.ID,
		Host:       "10.0.0.1",
		Port:       22,
		Username:   "ubuntu",
		AuthMethod: "agent",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)

	port := 5432
	host := "db.internal"
	forward, err := p.CreateForward(ctx, storage.CreatePortForwardInput{
		SessionID:  session.ID,
		Name:       "pg",
		Type:       "local",
		LocalHost:  "127.0.0.1",
		LocalPort:  15432,
		RemoteHost: &host,
		RemotePort: &port,
	})
	require.NoError(t, err)

	forwards, err := p.ListForwards(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, forwards, 1)
	assert.Equal(t, forward.ID, forwards[0].ID)

	got, err := p.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session, got)

	require.NoError(t, p.DeleteSession(ctx, session.ID))
	forwards, err = p.ListForwards(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, forwards)
}

func TestStorePersistenceWrapsFailures(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	_, err := p.GetKey(ctx, "missing")
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, OpGet, perr.Op)
	assert.Equal(t, KindKey, perr.Kind)
	assert.Equal(t, "missing", perr.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = p.DeleteGroup(ctx, "missing")
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, OpDelete, perr.Op)

	_, err = p.CreateSession(ctx, storage.CreateSessionInput{Name: "bad"})
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, OpCreate, perr.Op)
	assert.Equal(t, KindSession, perr.Kind)
}

type fakeNegotiator struct {
	err   error
	calls []string
}

func (f *fakeNegotiator) Connect(ctx context.Context, sessionID, secret string) error {
	f.calls = append(f.calls, "connect:"+sessionID+":"+secret)
	return f.err
}

func (f *fakeNegotiator) Disconnect(ctx context.Context, sessionID string) error {
	f.calls = append(f.calls, "disconnect:"+sessionID)
	return f.err
}

func (f *fakeNegotiator) RegisterForward(ctx context.Context, rule storage.PortForward) error {
	f.calls = append(f.calls, "register:"+rule.ID)
	return f.err
}

func (f *fakeNegotiator) UnregisterForward(ctx context.Context, id string) error {
	f.calls = append(f.calls, "unregister:"+id)
	return f.err
}

func (f *fakeNegotiator) SetForwardActive(ctx context.Context, id string, active bool) error {
	state := "off"
	if active {
		state = "on"
	}
	f.calls = append(f.calls, "toggle:"+id+":"+state)
	return f.err
}

func TestActionsDelegateOnce(t *testing.T) {
	ctx := context.Background()
	negotiator := &fakeNegotiator{}
	actions := NewActions(negotiator)

	require.NoError(t, actions.Connect(ctx, "s1", "pw"))
	require.NoError(t, actions.Disconnect(ctx, "s1"))
	require.NoError(t, actions.AddForward(ctx, storage.PortForward{ID: "f1"}))
	require.NoError(t, actions.ToggleForward(ctx, "f1", true))
	require.NoError(t, actions.RemoveForward(ctx, "f1"))

	assert.Equal(t, []string{
		"connect:s1:pw",
		"disconnect:s1",
		"register:f1",
		"toggle:f1:on",
		"unregister:f1",
	}, negotiator.calls)
}

func TestActionsWrapNegotiationError(t *testing.T) {
	actions := NewActions(&fakeNegotiator{err: errors.New("auth failed")})

	err := actions.Connect(context.Background(), "s1", "")
	var nerr *NegotiationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, VerbConnect, nerr.Verb)
	assert.Equal(t, "s1", nerr.ID)
	assert.Equal(t, "auth failed", nerr.Message())
	assert.Equal(t, "auth failed", ErrorMessage(err))
	assert.Contains(t, err.Error(), "connect")
}

func TestErrorMessageFallsBackToErrorText(t *testing.T) {
	assert.Equal(t, "", ErrorMessage(nil))
	assert.Equal(t, "boom", ErrorMessage(errors.New("boom")))
}

func TestKeyActions(t *testing.T) {
	ctx := context.Background()
	keyring, err := crypto.NewKeyring(filepath.Join(t.TempDir(), "keys"))
	require.NoError(t, err)
	actions := NewKeyActions(keyring)

	publicKey, err := actions.GenerateKey(ctx, "deploy", crypto.AlgorithmEd25519, "")
	require.NoError(t, err)
	assert.Contains(t, publicKey, "ssh-ed25519 ")

	fingerprint, err := actions.Fingerprint(ctx, publicKey)
	require.NoError(t, err)
	assert.Contains(t, fingerprint, "SHA256:")

	path, err := keyring.PathFor(publicKey)
	require.NoError(t, err)
	protected, err := actions.ImportKey(ctx, path, "deploy")
	require.NoError(t, err)
	assert.False(t, protected)

	lockedKey, err := actions.GenerateKey(ctx, "locked", crypto.AlgorithmEd25519, "s3cret")
	require.NoError(t, err)
	lockedPath, err := keyring.PathFor(lockedKey)
	require.NoError(t, err)
	protected, err = actions.ImportKey(ctx, lockedPath, "locked")
	require.NoError(t, err)
	assert.True(t, protected)

	require.NoError(t, actions.DiscardKey(ctx, lockedKey))
	_, err = keyring.PathFor(lockedKey)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = actions.GenerateKey(ctx, "bad", "dsa", "")
	var nerr *NegotiationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, VerbGenerateKey, nerr.Verb)

	missing := filepath.Join(t.TempDir(), "nope")
	_, err = actions.ImportKey(ctx, missing, "nope")
	require.ErrorAs(t, err, &nerr)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDroppedLinksTranslatesConnectionLost(t *testing.T) {
	events := make(chan network.Event, 4)
	events <- network.Event{Type: network.EventConnected, SessionID: "srv-1"}
	events <- network.Event{Type: network.EventConnectionLost, SessionID: "srv-1", Details: map[string]string{"error": "EOF"}}
	events <- network.Event{Type: network.EventConnectionLost, SessionID: "srv-2"}
	close(events)

	var got []LinkEvent
	links := DroppedLinks(context.Background(), events)
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case link, ok := <-links:
			if !ok {
				done = true
				continue
			}
			got = append(got, link)
		case <-timeout:
			t.Fatalf("links channel not closed, got %v", got)
		}
	}

	assert.Equal(t, []LinkEvent{
		{SessionID: "srv-1", Reason: "EOF"},
		{SessionID: "srv-2", Reason: "connection lost"},
	}, got)
}
