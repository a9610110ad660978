// Package discovery finds SSH daemons advertised over mDNS on the local
// network.
package discovery

import (
	"context"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service advertised by SSH daemons.
	DefaultService = "_ssh._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultSSHPort is used when an entry advertises no port.
	DefaultSSHPort = 22
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls browse behavior.
type Config struct {
	Service     string
	Domain      string
	ScanTimeout time.Duration

	// ExcludeHostNames lists host names (case-insensitive) that are never
	// reported, typically the local machine.
	ExcludeHostNames []string

	browseFn browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	return out
}

func (c Config) excluded(hostName string) bool {
	normalized := normalizeHostName(hostName)
	for _, name := range c.ExcludeHostNames {
		if normalizeHostName(name) == normalized {
			return true
		}
	}
	return false
}

func normalizeHostName(name string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
}
