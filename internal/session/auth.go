package session

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/minetest/internal/config"
	"github.com/cory-johannsen/minetest/internal/transport"
)

// ShutdownPolicy decides whether a shutdown requester may stop the server.
type ShutdownPolicy interface {
	// AuthorizeShutdown returns nil to accept the request, or an error wrapping
	// ErrUnauthorizedShutdown to reject it.
	AuthorizeShutdown(requester transport.EndpointID, reg *Registry) error
}

// PolicyFunc adapts a function to ShutdownPolicy.
type PolicyFunc func(requester transport.EndpointID, reg *Registry) error

// AuthorizeShutdown calls f.
func (f PolicyFunc) AuthorizeShutdown(requester transport.EndpointID, reg *Registry) error {
	return f(requester, reg)
}

// AllowAll accepts every shutdown request. Any host that can reach the server
// port can stop it.
type AllowAll struct{}

// AuthorizeShutdown always returns nil.
func (AllowAll) AuthorizeShutdown(transport.EndpointID, *Registry) error { return nil }

// AdmittedOnly accepts requests only from endpoints that completed a handshake.
type AdmittedOnly struct{}

// AuthorizeShutdown rejects endpoints missing from reg.
func (AdmittedOnly) AuthorizeShutdown(requester transport.EndpointID, reg *Registry) error {
	if !reg.IsAdmitted(requester) {
		return fmt.Errorf("%w: %s never completed a handshake", ErrUnauthorizedShutdown, requester)
	}
	return nil
}

// Allowlist accepts requests from listed hosts or host:port endpoints.
type Allowlist struct {
	hosts           map[netip.Addr]bool
	endpoints       map[transport.EndpointID]bool
	requireAdmitted bool
}

type allowlistFile struct {
	RequireAdmitted bool     `yaml:"require_admitted"`
	Shutdown        []string `yaml:"shutdown"`
}

// LoadAllowlist reads an allowlist YAML file of the form:
//
//	require_admitted: true
//	shutdown:
//	  - 127.0.0.1
//	  - 10.0.0.5:30002
//
// Precondition: path must point to a readable YAML file.
// Postcondition: Returns a populated Allowlist or a non-nil error.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading allowlist %s: %w", path, err)
	}
	return ParseAllowlist(data)
}

// ParseAllowlist parses allowlist YAML bytes.
//
// Postcondition: Returns a populated Allowlist or an error naming the first bad entry.
func ParseAllowlist(data []byte) (*Allowlist, error) {
	var f allowlistFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing allowlist: %w", err)
	}
	al := &Allowlist{
		hosts:           make(map[netip.Addr]bool),
		endpoints:       make(map[transport.EndpointID]bool),
		requireAdmitted: f.RequireAdmitted,
	}
	for _, entry := range f.Shutdown {
		if ap, err := netip.ParseAddrPort(entry); err == nil {
			al.endpoints[transport.Normalize(ap)] = true
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("allowlist entry %q is neither host nor host:port", entry)
		}
		al.hosts[addr.Unmap()] = true
	}
	return al, nil
}

// Len returns the number of entries.
func (a *Allowlist) Len() int {
	return len(a.hosts) + len(a.endpoints)
}

// AuthorizeShutdown accepts listed requesters.
func (a *Allowlist) AuthorizeShutdown(requester transport.EndpointID, reg *Registry) error {
	if a.requireAdmitted && !reg.IsAdmitted(requester) {
		return fmt.Errorf("%w: %s never completed a handshake", ErrUnauthorizedShutdown, requester)
	}
	if a.endpoints[requester] || a.hosts[requester.Addr()] {
		return nil
	}
	return fmt.Errorf("%w: %s is not on the allowlist", ErrUnauthorizedShutdown, requester)
}

// NewPolicy builds the ShutdownPolicy named by cfg.
//
// Precondition: cfg has passed config validation.
// Postcondition: Returns a non-nil policy or a non-nil error.
func NewPolicy(cfg config.AuthConfig) (ShutdownPolicy, error) {
	switch cfg.ShutdownPolicy {
	case config.PolicyAllowAll:
		return AllowAll{}, nil
	case config.PolicyAdmitted:
		return AdmittedOnly{}, nil
	case config.PolicyAllowlist:
		return LoadAllowlist(cfg.AllowlistFile)
	default:
		return nil, fmt.Errorf("unknown shutdown policy %q", cfg.ShutdownPolicy)
	}
}
