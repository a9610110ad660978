package network

import (
	"context"
	"net"

	socks5 "github.com/armon/go-socks5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// remoteResolver leaves names unresolved so the SSH server does the lookup.
type remoteResolver struct{}

func (remoteResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

// newSocksServer builds a no-auth SOCKS5 server whose CONNECT requests are
// dialed with dial.
func newSocksServer(dial func(target string) (net.Conn, error), log *zap.Logger) (*socks5.Server, error) {
	stdLog, err := zap.NewStdLogAt(log.Named("socks"), zapcore.DebugLevel)
	if err != nil {
		return nil, err
	}
	return socks5.New(&socks5.Config{
		Resolver: remoteResolver{},
		Logger:   stdLog,
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dial(addr)
		},
	})
}
