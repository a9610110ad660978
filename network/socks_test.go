package network

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"

	"go.uber.org/zap"
)

const (
	socksVersion5       = 0x05
	socksMethodNoAuth   = 0x00
	socksMethodNoneOK   = 0xff
	socksCmdConnect     = 0x01
	socksCmdBind        = 0x02
	socksAddrIPv4       = 0x01
	socksAddrDomain     = 0x03
	socksAddrIPv6       = 0x04
	socksReplySucceeded = 0x00
	socksReplyCmdUnsup  = 0x07
)

// recordingDialer dials echoAddr whatever target the SOCKS client asked for
// and remembers the requested targets.
type recordingDialer struct {
	echoAddr string

	mu      sync.Mutex
	targets []string
}

func (d *recordingDialer) dial(target string) (net.Conn, error) {
	d.mu.Lock()
	d.targets = append(d.targets, target)
	d.mu.Unlock()
	return net.Dial("tcp", d.echoAddr)
}

func (d *recordingDialer) requested() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.targets...)
}

func serveSocks(t *testing.T, dial func(string) (net.Conn, error)) net.Conn {
	t.Helper()

	server, err := newSocksServer(dial, zap.NewNop())
	if err != nil {
		t.Fatalf("newSocksServer failed: %v", err)
	}
	client, conn := net.Pipe()
	go func() {
		_ = server.ServeConn(conn)
	}()
	t.Cleanup(func() {
		_ = client.Close()
		_ = conn.Close()
	})
	return client
}

func socksGreet(t *testing.T, conn net.Conn, methods ...byte) byte {
	t.Helper()

	greeting := append([]byte{socksVersion5, byte(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	selected := make([]byte, 2)
	if _, err := io.ReadFull(conn, selected); err != nil {
		t.Fatalf("read method selection: %v", err)
	}
	if selected[0] != socksVersion5 {
		t.Fatalf("unexpected version in method selection %v", selected)
	}
	return selected[1]
}

// socksRequest writes a request and returns the reply code. Replies carry an
// IPv4 bound address.
func socksRequest(t *testing.T, conn net.Conn, request []byte) byte {
	t.Helper()

	if _, err := conn.Write(request); err != nil {
		t.Fatalf("write request: %v", err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return reply[1]
}

func TestSocksConnectKeepsDomainForRemoteResolution(t *testing.T) {
	dialer := &recordingDialer{echoAddr: startEchoServer(t)}
	conn := serveSocks(t, dialer.dial)

	if method := socksGreet(t, conn, 0x02, socksMethodNoAuth); method != socksMethodNoAuth {
		t.Fatalf("expected no-auth method, got %d", method)
	}

	request := []byte{socksVersion5, socksCmdConnect, 0x00, socksAddrDomain, byte(len("db.internal"))}
	request = append(request, "db.internal"...)
	request = binary.BigEndian.AppendUint16(request, 5432)
	if code := socksRequest(t, conn, request); code != socksReplySucceeded {
		t.Fatalf("expected success reply, got %d", code)
	}

	expectEcho(t, conn, "resolved remotely")
	if got := dialer.requested(); len(got) != 1 || got[0] != "db.internal:5432" {
		t.Fatalf("expected dial of db.internal:5432, got %v", got)
	}
}

func TestSocksConnectIPv6Target(t *testing.T) {
	dialer := &recordingDialer{echoAddr: startEchoServer(t)}
	conn := serveSocks(t, dialer.dial)

	socksGreet(t, conn, socksMethodNoAuth)

	request := []byte{socksVersion5, socksCmdConnect, 0x00, socksAddrIPv6}
	request = append(request, net.ParseIP("::1").To16()...)
	request = binary.BigEndian.AppendUint16(request, 8080)
	if code := socksRequest(t, conn, request); code != socksReplySucceeded {
		t.Fatalf("expected success reply, got %d", code)
	}

	if got := dialer.requested(); len(got) != 1 || got[0] != "[::1]:8080" {
		t.Fatalf("expected dial of [::1]:8080, got %v", got)
	}
}

func TestSocksRejectsAuthOnlyClients(t *testing.T) {
	dialer := &recordingDialer{echoAddr: startEchoServer(t)}
	conn := serveSocks(t, dialer.dial)

	if method := socksGreet(t, conn, 0x02); method != socksMethodNoneOK {
		t.Fatalf("expected no acceptable method, got %d", method)
	}
	if got := dialer.requested(); len(got) != 0 {
		t.Fatalf("expected no dial, got %v", got)
	}
}

func TestSocksRejectsBind(t *testing.T) {
	dialer := &recordingDialer{echoAddr: startEchoServer(t)}
	conn := serveSocks(t, dialer.dial)

	socksGreet(t, conn, socksMethodNoAuth)

	request := []byte{socksVersion5, socksCmdBind, 0x00, socksAddrIPv4, 127, 0, 0, 1, 0, 80}
	if code := socksRequest(t, conn, request); code != socksReplyCmdUnsup {
		t.Fatalf("expected command-not-supported reply, got %d", code)
	}
	if got := dialer.requested(); len(got) != 0 {
		t.Fatalf("expected no dial, got %v", got)
	}
}
