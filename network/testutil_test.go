package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"

	"noverterm/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func createPasswordSession(t *testing.T, store *storage.Store, address string) *storage.Session {
	t.Helper()

	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		t.Fatalf("split address %q: %v", address, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatalf("parse port %q: %v", portText, err)
	}

	session, err := store.CreateSession(context.Background(), storage.CreateSessionInput{
		Name:       "test-" + portText,
		Host:       host,
		Port:       port,
		Username:   "alice",
		AuthMethod: authMethodPassword,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func connectionEvents(t *testing.T, store *storage.Store, sessionID string) []string {
	t.Helper()

	events, err := store.ListConnectionEvents(context.Background(), storage.ConnectionEventFilter{SessionID: sessionID})
	if err != nil {
		t.Fatalf("list connection events: %v", err)
	}
	out := make([]string, 0, len(events))
	for _, event := range events {
		out = append(out, event.EventType)
	}
	return out
}

func containsEvent(events []string, eventType string) bool {
	for _, event := range events {
		if event == eventType {
			return true
		}
	}
	return false
}

// startEchoServer accepts TCP connections and echoes their input.
func startEchoServer(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo server: %v", err)
	}
	t.Cleanup(func() {
		_ = listener.Close()
	})

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return listener.Addr().String()
}

func expectEcho(t *testing.T, conn net.Conn, payload string) {
	t.Helper()

	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != payload {
		t.Fatalf("expected echo %q, got %q", payload, string(buf))
	}
}

// fakeSSHConn routes channel dials straight to the local network.
type fakeSSHConn struct {
	done      chan struct{}
	closeOnce sync.Once
	dropErr   error
	requests  atomic.Int32
}

func newFakeSSHConn() *fakeSSHConn {
	return &fakeSSHConn{done: make(chan struct{})}
}

func (c *fakeSSHConn) Dial(network, addr string) (net.Conn, error) {
	return net.Dial(network, addr)
}

func (c *fakeSSHConn) Listen(network, addr string) (net.Listener, error) {
	return net.Listen(network, addr)
}

func (c *fakeSSHConn) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	c.requests.Add(1)
	return true, nil, nil
}

func (c *fakeSSHConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeSSHConn) Wait() error {
	<-c.done
	return c.dropErr
}

// drop simulates the server going away.
func (c *fakeSSHConn) drop(err error) {
	c.dropErr = err
	c.closeOnce.Do(func() { close(c.done) })
}

var errConnectionReset = errors.New("connection reset by peer")

// testSSHServer is an in-process SSH server with password auth and
// direct-tcpip support.
type testSSHServer struct {
	listener net.Listener
	hostKey  ssh.Signer

	mu    sync.Mutex
	conns []*ssh.ServerConn
}

func startTestSSHServer(t *testing.T, password string) *testSSHServer {
	t.Helper()

	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostKey, err := ssh.NewSignerFromKey(private)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, given []byte) (*ssh.Permissions, error) {
			if meta.User() == "alice" && string(given) == password {
				return nil, nil
			}
			return nil, errors.New("password rejected")
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen ssh server: %v", err)
	}

	server := &testSSHServer{listener: listener, hostKey: hostKey}
	t.Cleanup(server.close)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go server.serve(conn, config)
		}
	}()
	return server
}

func (s *testSSHServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *testSSHServer) serve(conn net.Conn, config *ssh.ServerConfig) {
	serverConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		_ = conn.Close()
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, serverConn)
	s.mu.Unlock()

	go ssh.DiscardRequests(reqs)
	for newChannel := range chans {
		if newChannel.ChannelType() != "direct-tcpip" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		var target struct {
			Host     string
			Port     uint32
			OrigHost string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(newChannel.ExtraData(), &target); err != nil {
			_ = newChannel.Reject(ssh.ConnectionFailed, "bad payload")
			continue
		}
		upstream, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
		if err != nil {
			_ = newChannel.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		channel, chReqs, err := newChannel.Accept()
		if err != nil {
			_ = upstream.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)
		go func() {
			defer channel.Close()
			defer upstream.Close()
			done := make(chan struct{}, 2)
			go func() { _, _ = io.Copy(channel, upstream); done <- struct{}{} }()
			go func() { _, _ = io.Copy(upstream, channel); done <- struct{}{} }()
			<-done
		}()
	}
}

// dropAll closes every accepted connection from the server side.
func (s *testSSHServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

func (s *testSSHServer) close() {
	_ = s.listener.Close()
	s.dropAll()
}
