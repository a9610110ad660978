package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/samber/lo"
)

// Host is an SSH endpoint seen on the LAN.
type Host struct {
	Name      string
	HostName  string
	Port      int
	Username  string
	Addresses []string
	SeenAt    time.Time
}

// Key identifies a host across scans.
func (h Host) Key() string {
	return normalizeHostName(h.HostName) + ":" + strconv.Itoa(h.Port)
}

// Address returns the dial target: the first IPv4 address, else the
// advertised host name, else any address.
func (h Host) Address() string {
	if v4, ok := lo.Find(h.Addresses, func(addr string) bool { return !strings.Contains(addr, ":") }); ok {
		return v4
	}
	if name := strings.TrimSuffix(h.HostName, "."); name != "" {
		return name
	}
	return lo.FirstOrEmpty(h.Addresses)
}

// Clone returns a deep copy.
func (h Host) Clone() Host {
	h.Addresses = append([]string(nil), h.Addresses...)
	return h
}

// Browser runs one-shot mDNS browse windows for SSH services.
type Browser struct {
	cfg    Config
	browse browseFunc
}

// NewBrowser creates a browser with config defaults applied.
func NewBrowser(config Config) (*Browser, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}
	return &Browser{cfg: cfg, browse: browse}, nil
}

// Scan listens for one ScanTimeout window and returns the hosts that
// answered, sorted by name. Hosts answering twice keep the later entry.
func (b *Browser) Scan(ctx context.Context) ([]Host, error) {
	window, cancel := context.WithTimeout(ctx, b.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := b.browse(window, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		return nil, err
	}

	found := make(map[string]Host)
	for {
		select {
		case entry := <-entries:
			host, ok := hostFromEntry(entry)
			if !ok || b.cfg.excluded(host.HostName) {
				continue
			}
			host.SeenAt = time.Now()
			found[host.Key()] = host
		case <-window.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			hosts := lo.Values(found)
			sort.Slice(hosts, func(i, j int) bool {
				if hosts[i].Name == hosts[j].Name {
					return hosts[i].Key() < hosts[j].Key()
				}
				return hosts[i].Name < hosts[j].Name
			})
			return hosts, nil
		}
	}
}

func hostFromEntry(entry *zeroconf.ServiceEntry) (Host, bool) {
	if entry == nil {
		return Host{}, false
	}

	ips := lo.Filter(append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...), func(ip net.IP, _ int) bool {
		return len(ip) > 0
	})
	addresses := lo.Uniq(lo.Map(ips, func(ip net.IP, _ int) string { return ip.String() }))
	sort.Strings(addresses)

	hostName := strings.TrimSpace(entry.HostName)
	if hostName == "" {
		if len(addresses) == 0 {
			return Host{}, false
		}
		hostName = addresses[0]
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSuffix(hostName, ".")
	}

	port := entry.Port
	if port <= 0 || port > 65535 {
		port = DefaultSSHPort
	}

	return Host{
		Name:      name,
		HostName:  hostName,
		Port:      port,
		Username:  txtValue(entry.Text, "u"),
		Addresses: addresses,
	}, true
}

// txtValue returns the value of key in key=value TXT records.
func txtValue(records []string, key string) string {
	for _, record := range records {
		k, v, ok := strings.Cut(record, "=")
		if ok && strings.TrimSpace(k) == key {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
