package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"noverterm/discovery"
	"noverterm/mapper"
	"noverterm/models"
)

// HostScanner finds SSH hosts on the local network.
type HostScanner interface {
	Scan(ctx context.Context) ([]discovery.Host, error)
}

// HostStoreOptions configures a HostStore.
type HostStoreOptions struct {
	Scanner  HostScanner
	Sessions *SessionStore
	// DefaultUsername fills promoted sessions whose host advertises none.
	DefaultUsername string
	Logger          *zap.Logger
}

// HostStore holds the hosts found by the last LAN scan. Hosts that already
// have a saved session are hidden.
type HostStore struct {
	listeners

	scanner         HostScanner
	sessions        *SessionStore
	defaultUsername string
	log             *zap.Logger

	mu    sync.RWMutex
	hosts []discovery.Host
}

// NewHostStore creates an empty store. Call Refresh to scan.
func NewHostStore(options HostStoreOptions) (*HostStore, error) {
	if options.Scanner == nil {
		return nil, fmt.Errorf("host store: scanner is required")
	}
	if options.Sessions == nil {
		return nil, fmt.Errorf("host store: session store is required")
	}
	log := options.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &HostStore{
		scanner:         options.Scanner,
		sessions:        options.Sessions,
		defaultUsername: options.DefaultUsername,
		log:             log.Named("hosts"),
		hosts:           make([]discovery.Host, 0),
	}, nil
}

// Refresh replaces the list with a fresh scan. On failure the previous list
// stays.
func (s *HostStore) Refresh(ctx context.Context) error {
	hosts, err := s.scanner.Scan(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.hosts = hosts
	s.mu.Unlock()

	s.log.Debug("lan scan finished", zap.Int("hosts", len(hosts)))
	s.notify()
	return nil
}

// Hosts returns copies of the scanned hosts that no session points at.
func (s *HostStore) Hosts() []discovery.Host {
	saved := s.sessions.Sessions()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.FilterMap(s.hosts, func(host discovery.Host, _ int) (discovery.Host, bool) {
		return host.Clone(), !isSaved(host, saved)
	})
}

// Promote saves a scanned host as a session in groupID and drops it from
// the list. The host is kept if the session cannot be created.
func (s *HostStore) Promote(ctx context.Context, key, groupID string) (models.Session, error) {
	s.mu.RLock()
	host, ok := lo.Find(s.hosts, func(host discovery.Host) bool { return host.Key() == key })
	s.mu.RUnlock()
	if !ok {
		return models.Session{}, fmt.Errorf("host %q: %w", key, ErrNotFound)
	}

	created, err := s.sessions.Add(ctx, mapper.DiscoveredHostToCreateInput(host, s.defaultUsername), groupID)
	if err != nil {
		return models.Session{}, err
	}

	s.mu.Lock()
	s.hosts = lo.Reject(s.hosts, func(host discovery.Host, _ int) bool { return host.Key() == key })
	s.mu.Unlock()

	s.log.Info("host saved", zap.String("key", key), zap.String("session_id", created.ID))
	s.notify()
	return created, nil
}

// isSaved reports whether a session already targets host on its port.
func isSaved(host discovery.Host, sessions []models.Session) bool {
	names := append([]string{strings.TrimSuffix(host.HostName, ".")}, host.Addresses...)
	return lo.ContainsBy(sessions, func(session models.Session) bool {
		if session.Port != host.Port {
			return false
		}
		return lo.ContainsBy(names, func(name string) bool {
			return name != "" && strings.EqualFold(name, session.Host)
		})
	})
}
