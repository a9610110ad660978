package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	socks5 "github.com/armon/go-socks5"
	"go.uber.org/zap"

	"noverterm/storage"
)

const (
	forwardTypeLocal   = "local"
	forwardTypeRemote  = "remote"
	forwardTypeDynamic = "dynamic"
)

// forwarder runs one active forwarding rule over an SSH connection.
type forwarder struct {
	rule     storage.PortForward
	listener net.Listener
	log      *zap.Logger

	// dial opens the far side of one forwarded connection.
	dial func(target string) (net.Conn, error)
	// target is the fixed far-side address; empty for dynamic rules.
	target string
	// socks serves dynamic rules.
	socks *socks5.Server

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// startForwarder binds the rule's listener and starts accepting.
func startForwarder(client sshConn, rule storage.PortForward, log *zap.Logger) (*forwarder, error) {
	local := net.JoinHostPort(rule.LocalHost, strconv.Itoa(rule.LocalPort))

	f := &forwarder{
		rule:  rule,
		log:   log.With(zap.String("forward_id", rule.ID), zap.String("type", rule.Type)),
		conns: make(map[net.Conn]struct{}),
	}

	var err error
	switch rule.Type {
	case forwardTypeLocal:
		remote, rerr := remoteAddress(rule)
		if rerr != nil {
			return nil, rerr
		}
		f.target = remote
		f.dial = func(target string) (net.Conn, error) { return client.Dial("tcp", target) }
		f.listener, err = net.Listen("tcp", local)
	case forwardTypeRemote:
		remote, rerr := remoteAddress(rule)
		if rerr != nil {
			return nil, rerr
		}
		f.target = local
		f.dial = func(target string) (net.Conn, error) { return net.Dial("tcp", target) }
		f.listener, err = client.Listen("tcp", remote)
	case forwardTypeDynamic:
		f.dial = func(target string) (net.Conn, error) { return client.Dial("tcp", target) }
		f.socks, err = newSocksServer(f.dial, f.log)
		if err != nil {
			return nil, fmt.Errorf("socks server for forward %q: %w", rule.Name, err)
		}
		f.listener, err = net.Listen("tcp", local)
	default:
		return nil, fmt.Errorf("unsupported forward type %q", rule.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("bind %s forward %q: %w", rule.Type, rule.Name, err)
	}

	f.wg.Add(1)
	go f.acceptLoop()
	return f, nil
}

// Addr returns the bound listener address.
func (f *forwarder) Addr() net.Addr {
	return f.listener.Addr()
}

// Close stops accepting, closes every forwarded connection and waits for the
// worker goroutines.
func (f *forwarder) Close() {
	f.closeOnce.Do(func() {
		_ = f.listener.Close()

		f.mu.Lock()
		f.closed = true
		for conn := range f.conns {
			_ = conn.Close()
		}
		f.mu.Unlock()

		f.wg.Wait()
	})
}

func (f *forwarder) acceptLoop() {
	defer f.wg.Done()

	for {
		conn, err := f.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				f.log.Warn("forward accept failed", zap.Error(err))
			}
			return
		}
		if !f.track(conn) {
			_ = conn.Close()
			return
		}

		f.wg.Add(1)
		go f.handle(conn)
	}
}

func (f *forwarder) handle(conn net.Conn) {
	defer f.wg.Done()
	defer f.untrack(conn)

	if f.socks != nil {
		if err := f.socks.ServeConn(conn); err != nil {
			f.log.Debug("socks request ended", zap.Error(err))
		}
		return
	}

	upstream, err := f.dial(f.target)
	if err != nil {
		f.log.Debug("forward dial failed", zap.String("target", f.target), zap.Error(err))
		_ = conn.Close()
		return
	}
	if !f.track(upstream) {
		_ = upstream.Close()
		_ = conn.Close()
		return
	}
	defer f.untrack(upstream)

	pipe(conn, upstream)
}

func (f *forwarder) track(conn net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.conns[conn] = struct{}{}
	return true
}

func (f *forwarder) untrack(conn net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, conn)
}

// pipe copies both directions until either side ends, then closes both.
func pipe(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	copyHalf := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		_ = dst.Close()
		_ = src.Close()
	}
	go copyHalf(a, b)
	go copyHalf(b, a)
	wg.Wait()
}

func remoteAddress(rule storage.PortForward) (string, error) {
	if rule.RemoteHost == nil || *rule.RemoteHost == "" || rule.RemotePort == nil {
		return "", fmt.Errorf("%s forward %q has no remote endpoint", rule.Type, rule.Name)
	}
	return net.JoinHostPort(*rule.RemoteHost, strconv.Itoa(*rule.RemotePort)), nil
}
