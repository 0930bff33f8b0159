// Package sites contains the per-site scrape adapters and the hostname
// registry that selects one per request.
package sites

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tsukimori/mangahive/internal/scrape"
)

// Registry maps normalized hostnames to site adapters. The mapping is static:
// adapters are registered at startup and never change.
type Registry struct {
	hosts map[string]scrape.SiteAdapter
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{hosts: make(map[string]scrape.SiteAdapter)}
}

// Register binds an adapter to one or more hostnames.
func (r *Registry) Register(adapter scrape.SiteAdapter, hosts ...string) {
	for _, host := range hosts {
		r.hosts[normalizeHost(host)] = adapter
	}
}

// ForURL returns the adapter registered for the URL's hostname, or
// scrape.ErrAdapterNotFound for unknown hosts.
func (r *Registry) ForURL(rawURL string) (scrape.SiteAdapter, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	host := normalizeHost(parsed.Hostname())
	adapter, ok := r.hosts[host]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scrape.ErrAdapterNotFound, host)
	}
	return adapter, nil
}

// Hosts returns the registered hostnames, for diagnostics.
func (r *Registry) Hosts() []string {
	hosts := make([]string, 0, len(r.hosts))
	for host := range r.hosts {
		hosts = append(hosts, host)
	}
	return hosts
}

// DefaultRegistry wires the known site adapters onto fetcher.
func DefaultRegistry(fetcher scrape.Fetcher) *Registry {
	r := NewRegistry()
	r.Register(NewMgeko(fetcher), "mgeko.cc")
	r.Register(NewAsura(fetcher), "asuracomic.net", "asura.nacm.xyz")
	r.Register(NewManhwatop(fetcher), "manhwatop.com")
	return r
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimPrefix(host, "www.")
}
