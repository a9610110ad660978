// Package network is the default connection-negotiation service: it opens
// SSH client connections for stored sessions and runs their forwarding rules.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"noverterm/storage"
)

const (
	EventConnected      = "connected"
	EventConnectFailed  = "connect_failed"
	EventDisconnected   = "disconnected"
	EventConnectionLost = "connection_lost"
	EventForwardStarted = "forward_started"
	EventForwardStopped = "forward_stopped"
	EventForwardFailed  = "forward_failed"
)

var (
	// ErrNotConnected is returned when a forward needs a session that has no
	// live connection.
	ErrNotConnected = errors.New("session is not connected")
	// ErrManagerStopped is returned by calls made after Stop.
	ErrManagerStopped = errors.New("connection manager is stopped")
)

// eventBufferSize bounds queued events; emits are dropped when it is full.
const eventBufferSize = 64

// Event is a connection or forward event as it was recorded.
type Event struct {
	Type      string
	SessionID string
	Details   map[string]string
}

// Lookup is the storage surface the manager reads from and logs to.
type Lookup interface {
	GetSession(ctx context.Context, id string) (*storage.Session, error)
	GetSSHKey(ctx context.Context, id string) (*storage.SSHKey, error)
	GetPortForward(ctx context.Context, id string) (*storage.PortForward, error)
	LogConnectionEvent(ctx context.Context, event storage.ConnectionEvent) error
}

// KeyResolver locates the private key file of a generated key.
type KeyResolver interface {
	PathFor(publicKey string) (string, error)
}

// ManagerOptions configures SSH connection management.
type ManagerOptions struct {
	Lookup Lookup
	Keys   KeyResolver
	Logger *zap.Logger

	// KnownHostsPath is the known_hosts file used to verify and record
	// server keys. Empty disables verification.
	KnownHostsPath string
	// AgentSocket is the ssh-agent socket; defaults to $SSH_AUTH_SOCK.
	AgentSocket string

	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration

	dialFn dialFunc
}

type clientSession struct {
	id     string
	conn   sshConn
	cancel context.CancelFunc
	// closing is set when the drop was requested locally.
	closing bool
}

// Manager owns live SSH connections and their active forwards.
type Manager struct {
	options ManagerOptions
	log     *zap.Logger
	hosts   *hostKeyVerifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	clients  map[string]*clientSession
	rules    map[string]storage.PortForward
	active   map[string]*forwarder
	stopped  bool
	stopOnce sync.Once

	eventsMu     sync.RWMutex
	eventsClosed bool
	events       chan Event
}

// NewManager creates a manager with validated options.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Lookup == nil {
		return nil, errors.New("lookup is required")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}
	if options.KeepAliveInterval <= 0 {
		options.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if options.AgentSocket == "" {
		options.AgentSocket = os.Getenv("SSH_AUTH_SOCK")
	}
	if options.dialFn == nil {
		options.dialFn = dialSSH
	}

	log := options.Logger.Named("network")
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		options: options,
		log:     log,
		hosts:   &hostKeyVerifier{path: options.KnownHostsPath, log: log},
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*clientSession),
		rules:   make(map[string]storage.PortForward),
		active:  make(map[string]*forwarder),
		events:  make(chan Event, eventBufferSize),
	}, nil
}

// Connect opens an SSH connection for the stored session. secret is the
// password for password auth and the key passphrase for key auth. Connecting
// an already connected session is a no-op.
func (m *Manager) Connect(ctx context.Context, sessionID, secret string) error {
	if m.isStopped() {
		return ErrManagerStopped
	}
	if m.Connected(sessionID) {
		return nil
	}

	session, err := m.options.Lookup.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %q: %w", sessionID, err)
	}

	conn, err := m.dial(ctx, *session, secret)
	if err != nil {
		m.recordEvent(sessionID, EventConnectFailed, map[string]string{"error": err.Error()})
		m.log.Warn("connect failed", zap.String("session_id", sessionID), zap.String("host", session.Host), zap.Error(err))
		return err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrManagerStopped
	}
	if _, exists := m.clients[sessionID]; exists {
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	clientCtx, cancel := context.WithCancel(m.ctx)
	client := &clientSession{id: sessionID, conn: conn, cancel: cancel}
	m.clients[sessionID] = client
	m.mu.Unlock()

	m.wg.Add(2)
	go m.keepAliveLoop(clientCtx, client)
	go m.waitLoop(client)

	m.recordEvent(sessionID, EventConnected, map[string]string{
		"host": net.JoinHostPort(session.Host, strconv.Itoa(session.Port)),
		"user": session.Username,
	})
	m.log.Info("connected", zap.String("session_id", sessionID), zap.String("host", session.Host))
	return nil
}

// Disconnect closes the session's connection and stops its forwards.
// Disconnecting an idle session is a no-op.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	client, ok := m.clients[sessionID]
	if ok {
		client.closing = true
		delete(m.clients, sessionID)
	}
	stopped := m.detachForwardsLocked(sessionID)
	m.mu.Unlock()

	for _, f := range stopped {
		f.Close()
	}
	if !ok {
		return nil
	}

	client.cancel()
	err := client.conn.Close()
	m.recordEvent(sessionID, EventDisconnected, nil)
	m.log.Info("disconnected", zap.String("session_id", sessionID))
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close connection %q: %w", sessionID, err)
	}
	return nil
}

// Connected reports whether sessionID has a live connection.
func (m *Manager) Connected(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.clients[sessionID]
	return ok
}

// RegisterForward makes a rule known without starting it.
func (m *Manager) RegisterForward(ctx context.Context, rule storage.PortForward) error {
	if rule.ID == "" {
		return errors.New("forward id is required")
	}
	if rule.SessionID == "" {
		return errors.New("forward session_id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrManagerStopped
	}
	m.rules[rule.ID] = rule
	return nil
}

// UnregisterForward stops a rule if it is running and forgets it.
func (m *Manager) UnregisterForward(ctx context.Context, id string) error {
	m.mu.Lock()
	f := m.active[id]
	delete(m.active, id)
	delete(m.rules, id)
	m.mu.Unlock()

	if f != nil {
		f.Close()
		m.recordEvent(f.rule.SessionID, EventForwardStopped, map[string]string{"forward_id": id})
	}
	return nil
}

// SetForwardActive starts or stops a rule. Starting requires the owning
// session to be connected. Rules never registered are loaded from storage.
func (m *Manager) SetForwardActive(ctx context.Context, id string, active bool) error {
	if !active {
		m.mu.Lock()
		f := m.active[id]
		delete(m.active, id)
		m.mu.Unlock()
		if f != nil {
			f.Close()
			m.recordEvent(f.rule.SessionID, EventForwardStopped, map[string]string{"forward_id": id})
			m.log.Info("forward stopped", zap.String("forward_id", id))
		}
		return nil
	}

	rule, err := m.rule(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	if _, running := m.active[id]; running {
		m.mu.Unlock()
		return nil
	}
	client, ok := m.clients[rule.SessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("start forward %q: %w", rule.Name, ErrNotConnected)
	}

	f, err := startForwarder(client.conn, rule, m.log)
	if err != nil {
		m.recordEvent(rule.SessionID, EventForwardFailed, map[string]string{"forward_id": id, "error": err.Error()})
		return err
	}

	m.mu.Lock()
	current, stillConnected := m.clients[rule.SessionID]
	_, raced := m.active[id]
	if m.stopped || !stillConnected || current != client || raced {
		m.mu.Unlock()
		f.Close()
		if raced {
			return nil
		}
		return fmt.Errorf("start forward %q: %w", rule.Name, ErrNotConnected)
	}
	m.active[id] = f
	m.mu.Unlock()

	m.recordEvent(rule.SessionID, EventForwardStarted, map[string]string{
		"forward_id": id,
		"listen":     f.Addr().String(),
	})
	m.log.Info("forward started", zap.String("forward_id", id), zap.String("listen", f.Addr().String()))
	return nil
}

// ForwardActive reports whether the rule is currently running.
func (m *Manager) ForwardActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// Stop closes every connection and forward.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		clients := m.clients
		m.clients = make(map[string]*clientSession)
		forwards := m.active
		m.active = make(map[string]*forwarder)
		for _, client := range clients {
			client.closing = true
		}
		m.mu.Unlock()

		for _, f := range forwards {
			f.Close()
		}
		for _, client := range clients {
			client.cancel()
			_ = client.conn.Close()
		}
		m.cancel()
		m.wg.Wait()

		m.eventsMu.Lock()
		m.eventsClosed = true
		close(m.events)
		m.eventsMu.Unlock()
	})
}

// Events returns recorded events. The channel is closed by Stop.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) dial(ctx context.Context, session storage.Session, secret string) (sshConn, error) {
	auth, release, err := m.authMethods(ctx, session, secret)
	if err != nil {
		return nil, err
	}
	defer release()

	config := &ssh.ClientConfig{
		User:            session.Username,
		Auth:            auth,
		HostKeyCallback: m.hosts.callback(),
		Timeout:         m.options.ConnectTimeout,
	}
	address := net.JoinHostPort(session.Host, strconv.Itoa(session.Port))
	return m.options.dialFn(ctx, address, config)
}

func (m *Manager) rule(ctx context.Context, id string) (storage.PortForward, error) {
	m.mu.Lock()
	rule, ok := m.rules[id]
	m.mu.Unlock()
	if ok {
		return rule, nil
	}

	stored, err := m.options.Lookup.GetPortForward(ctx, id)
	if err != nil {
		return storage.PortForward{}, fmt.Errorf("load forward %q: %w", id, err)
	}

	m.mu.Lock()
	m.rules[id] = *stored
	m.mu.Unlock()
	return *stored, nil
}

// detachForwardsLocked removes the active forwards of sessionID and returns
// them for closing outside the lock.
func (m *Manager) detachForwardsLocked(sessionID string) []*forwarder {
	var out []*forwarder
	for id, f := range m.active {
		if f.rule.SessionID == sessionID {
			out = append(out, f)
			delete(m.active, id)
		}
	}
	return out
}

func (m *Manager) keepAliveLoop(ctx context.Context, client *clientSession) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.options.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, _, err := client.conn.SendRequest(keepAliveRequest, true, nil); err != nil {
				m.log.Warn("keepalive failed", zap.String("session_id", client.id), zap.Error(err))
				_ = client.conn.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// waitLoop reaps a connection that the server or network dropped.
func (m *Manager) waitLoop(client *clientSession) {
	defer m.wg.Done()

	err := client.conn.Wait()
	client.cancel()

	m.mu.Lock()
	if client.closing {
		m.mu.Unlock()
		return
	}
	if current, ok := m.clients[client.id]; ok && current == client {
		delete(m.clients, client.id)
	}
	stopped := m.detachForwardsLocked(client.id)
	m.mu.Unlock()

	for _, f := range stopped {
		f.Close()
	}

	details := map[string]string{}
	if err != nil {
		details["error"] = err.Error()
	}
	m.recordEvent(client.id, EventConnectionLost, details)
	m.log.Warn("connection lost", zap.String("session_id", client.id), zap.Error(err))
}

func (m *Manager) recordEvent(sessionID, eventType string, details map[string]string) {
	m.emit(Event{Type: eventType, SessionID: sessionID, Details: details})

	raw := "{}"
	if len(details) > 0 {
		encoded, err := json.Marshal(details)
		if err == nil {
			raw = string(encoded)
		}
	}

	err := m.options.Lookup.LogConnectionEvent(context.Background(), storage.ConnectionEvent{
		SessionID: sessionID,
		EventType: eventType,
		Details:   raw,
	})
	if err != nil {
		m.log.Warn("record connection event failed",
			zap.String("session_id", sessionID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func (m *Manager) emit(event Event) {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()
	if m.eventsClosed {
		return
	}
	select {
	case m.events <- event:
	default:
		m.log.Debug("event dropped", zap.String("session_id", event.SessionID), zap.String("event_type", event.Type))
	}
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
