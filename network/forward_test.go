package network

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"

	"go.uber.org/zap"

	"noverterm/storage"
)

func splitHostPort(t *testing.T, address string) (string, int) {
	t.Helper()

	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		t.Fatalf("split %q: %v", address, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatalf("parse port %q: %v", portText, err)
	}
	return host, port
}

func TestLocalForwardRelaysThroughClient(t *testing.T) {
	echoHost, echoPort := splitHostPort(t, startEchoServer(t))

	f, err := startForwarder(newFakeSSHConn(), storage.PortForward{
		ID:         "fwd-local",
		SessionID:  "srv-1",
		Name:       "echo",
		Type:       forwardTypeLocal,
		LocalHost:  "127.0.0.1",
		LocalPort:  0,
		RemoteHost: &echoHost,
		RemotePort: &echoPort,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("startForwarder failed: %v", err)
	}
	defer f.Close()

	conn, err := net.Dial("tcp", f.Addr().String())
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	defer conn.Close()

	expectEcho(t, conn, "ping through local forward")
}

func TestRemoteForwardRelaysToLocalTarget(t *testing.T) {
	echoHost, echoPort := splitHostPort(t, startEchoServer(t))
	remoteHost := "127.0.0.1"
	remotePort := 0

	f, err := startForwarder(newFakeSSHConn(), storage.PortForward{
		ID:         "fwd-remote",
		SessionID:  "srv-1",
		Name:       "reverse",
		Type:       forwardTypeRemote,
		LocalHost:  echoHost,
		LocalPort:  echoPort,
		RemoteHost: &remoteHost,
		RemotePort: &remotePort,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("startForwarder failed: %v", err)
	}
	defer f.Close()

	conn, err := net.Dial("tcp", f.Addr().String())
	if err != nil {
		t.Fatalf("dial remote listener: %v", err)
	}
	defer conn.Close()

	expectEcho(t, conn, "ping through remote forward")
}

func TestDynamicForwardServesSocks(t *testing.T) {
	_, echoPort := splitHostPort(t, startEchoServer(t))

	f, err := startForwarder(newFakeSSHConn(), storage.PortForward{
		ID:        "fwd-socks",
		SessionID: "srv-1",
		Name:      "socks",
		Type:      forwardTypeDynamic,
		LocalHost: "127.0.0.1",
		LocalPort: 0,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("startForwarder failed: %v", err)
	}
	defer f.Close()

	conn, err := net.Dial("tcp", f.Addr().String())
	if err != nil {
		t.Fatalf("dial socks listener: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{socksVersion5, 1, socksMethodNoAuth}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	selected := make([]byte, 2)
	if _, err := io.ReadFull(conn, selected); err != nil {
		t.Fatalf("read method: %v", err)
	}

	request := []byte{socksVersion5, socksCmdConnect, 0x00, socksAddrIPv4, 127, 0, 0, 1}
	request = binary.BigEndian.AppendUint16(request, uint16(echoPort))
	if _, err := conn.Write(request); err != nil {
		t.Fatalf("write request: %v", err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != socksReplySucceeded {
		t.Fatalf("expected success reply, got %d", reply[1])
	}

	expectEcho(t, conn, "ping through socks")
}

func TestForwarderCloseDropsOpenConnections(t *testing.T) {
	echoHost, echoPort := splitHostPort(t, startEchoServer(t))

	f, err := startForwarder(newFakeSSHConn(), storage.PortForward{
		ID:         "fwd-close",
		SessionID:  "srv-1",
		Name:       "echo",
		Type:       forwardTypeLocal,
		LocalHost:  "127.0.0.1",
		RemoteHost: &echoHost,
		RemotePort: &echoPort,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("startForwarder failed: %v", err)
	}

	conn, err := net.Dial("tcp", f.Addr().String())
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	defer conn.Close()
	expectEcho(t, conn, "before close")

	f.Close()

	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected forwarded connection to be closed")
	}
	if _, err := net.Dial("tcp", f.Addr().String()); err == nil {
		t.Fatalf("expected listener to be closed")
	}
}

func TestStartForwarderRejectsMissingRemote(t *testing.T) {
	_, err := startForwarder(newFakeSSHConn(), storage.PortForward{
		ID:        "fwd-bad",
		Name:      "broken",
		Type:      forwardTypeLocal,
		LocalHost: "127.0.0.1",
	}, zap.NewNop())
	if err == nil {
		t.Fatalf("expected error for local forward without remote endpoint")
	}
}
