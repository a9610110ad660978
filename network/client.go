package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// DefaultConnectTimeout bounds TCP dial plus SSH handshake.
	DefaultConnectTimeout = 15 * time.Second
	// DefaultKeepAliveInterval is the keepalive@openssh.com request period.
	DefaultKeepAliveInterval = 30 * time.Second

	keepAliveRequest = "keepalive@openssh.com"
)

// sshConn is the subset of *ssh.Client the manager uses.
type sshConn interface {
	Dial(network, addr string) (net.Conn, error)
	Listen(network, addr string) (net.Listener, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Close() error
	Wait() error
}

type dialFunc func(ctx context.Context, address string, config *ssh.ClientConfig) (sshConn, error)

// dialSSH connects to address and performs the SSH handshake within
// config.Timeout.
func dialSSH(ctx context.Context, address string, config *ssh.ClientConfig) (sshConn, error) {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	deadline, _ := dialCtx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	// Closing the socket unblocks the handshake when ctx is cancelled first.
	stop := context.AfterFunc(dialCtx, func() {
		if ctx.Err() != nil {
			_ = conn.Close()
		}
	})
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	stop()
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ssh handshake with %q: %w", address, ctxErr)
		}
		return nil, fmt.Errorf("ssh handshake with %q: %w", address, err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = clientConn.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return ssh.NewClient(clientConn, chans, reqs), nil
}
