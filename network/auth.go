package network

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"noverterm/crypto"
	"noverterm/storage"
)

const (
	authMethodPassword = "password"
	authMethodKey      = "key"
	authMethodAgent    = "agent"
)

var (
	// ErrAgentUnavailable is returned for agent auth without SSH_AUTH_SOCK.
	ErrAgentUnavailable = errors.New("ssh agent unavailable: SSH_AUTH_SOCK is not set")
	// ErrMissingKey is returned for key auth on a session without a key reference.
	ErrMissingKey = errors.New("session uses key auth but has no key")
)

// authMethods builds the client auth chain for session. The returned closer
// releases the agent socket, if one was opened.
func (m *Manager) authMethods(ctx context.Context, session storage.Session, secret string) ([]ssh.AuthMethod, func(), error) {
	noop := func() {}

	switch session.AuthMethod {
	case authMethodPassword:
		answer := func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = secret
			}
			return answers, nil
		}
		return []ssh.AuthMethod{
			ssh.Password(secret),
			ssh.KeyboardInteractive(answer),
		}, noop, nil

	case authMethodKey:
		if session.KeyID == nil || *session.KeyID == "" {
			return nil, noop, ErrMissingKey
		}
		key, err := m.options.Lookup.GetSSHKey(ctx, *session.KeyID)
		if err != nil {
			return nil, noop, fmt.Errorf("load key %q: %w", *session.KeyID, err)
		}
		path, err := m.privateKeyPath(*key)
		if err != nil {
			return nil, noop, err
		}
		signer, err := crypto.LoadSigner(path, secret)
		if err != nil {
			return nil, noop, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case authMethodAgent:
		socket := m.options.AgentSocket
		if socket == "" {
			return nil, noop, ErrAgentUnavailable
		}
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return nil, noop, fmt.Errorf("connect ssh agent: %w", err)
		}
		client := agent.NewClient(conn)
		return []ssh.AuthMethod{ssh.PublicKeysCallback(client.Signers)}, func() { _ = conn.Close() }, nil

	default:
		return nil, noop, fmt.Errorf("unsupported auth method %q", session.AuthMethod)
	}
}

func (m *Manager) privateKeyPath(key storage.SSHKey) (string, error) {
	if key.PrivateKeyPath != nil && *key.PrivateKeyPath != "" {
		return *key.PrivateKeyPath, nil
	}
	if m.options.Keys == nil {
		return "", fmt.Errorf("key %q has no private key file", key.Name)
	}
	return m.options.Keys.PathFor(key.PublicKey)
}

// hostKeyVerifier checks server keys against a known_hosts file, recording
// keys of hosts seen for the first time. A changed key is rejected.
type hostKeyVerifier struct {
	path string
	log  *zap.Logger

	mu sync.Mutex
}

func (v *hostKeyVerifier) callback() ssh.HostKeyCallback {
	if v.path == "" {
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			v.log.Warn("host key not verified, no known_hosts configured",
				zap.String("host", hostname),
				zap.String("fingerprint", ssh.FingerprintSHA256(key)),
			)
			return nil
		}
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		v.mu.Lock()
		defer v.mu.Unlock()

		check, err := knownhosts.New(v.path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load known_hosts: %w", err)
			}
			return v.trust(hostname, remote, key)
		}

		err = check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return v.trust(hostname, remote, key)
		}
		return err
	}
}

func (v *hostKeyVerifier) trust(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("create known_hosts directory: %w", err)
	}
	file, err := os.OpenFile(v.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer file.Close()

	addresses := []string{knownhosts.Normalize(hostname)}
	if remote != nil {
		if normalized := knownhosts.Normalize(remote.String()); normalized != addresses[0] {
			addresses = append(addresses, normalized)
		}
	}
	if _, err := file.WriteString(knownhosts.Line(addresses, key) + "\n"); err != nil {
		return fmt.Errorf("append known_hosts: %w", err)
	}

	v.log.Info("trusted new host key",
		zap.String("host", hostname),
		zap.String("fingerprint", ssh.FingerprintSHA256(key)),
	)
	return nil
}
