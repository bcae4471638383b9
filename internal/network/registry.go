package network

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Registry is an ordered set of networks with unique IDs.
// It is populated once at startup and read-only afterwards, so lookups take
// no locks.
type Registry struct {
	networks []Network
	index    map[string]int
}

// NewRegistry creates a registry from the given networks, resolving every
// endpoint against baseDomain. Order is preserved.
func NewRegistry(baseDomain string, networks ...Network) (*Registry, error) {
	r := &Registry{
		networks: make([]Network, 0, len(networks)),
		index:    make(map[string]int, len(networks)),
	}
	for _, n := range networks {
		if n.ID == "" {
			return nil, fmt.Errorf("network %q has an empty id", n.Name)
		}
		if _, dup := r.index[n.ID]; dup {
			return nil, fmt.Errorf("duplicate network id: %s", n.ID)
		}
		n.URL = n.Endpoint(baseDomain)
		r.index[n.ID] = len(r.networks)
		r.networks = append(r.networks, n)
	}
	return r, nil
}

// Get retrieves a network by ID.
func (r *Registry) Get(id string) (Network, bool) {
	i, ok := r.index[id]
	if !ok {
		return Network{}, false
	}
	return r.networks[i], true
}

// All returns the networks in configuration order.
func (r *Registry) All() []Network {
	out := make([]Network, len(r.networks))
	copy(out, r.networks)
	return out
}

// IDs returns all network IDs in configuration order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.networks))
	for i, n := range r.networks {
		ids[i] = n.ID
	}
	return ids
}

// Len returns the number of configured networks.
func (r *Registry) Len() int {
	return len(r.networks)
}

// DefaultNetworks returns the built-in EAS deployments.
func DefaultNetworks() []Network {
	return []Network{
		{ID: "42161", Name: "arbitrum", Subdomain: "arbitrum."},
		{ID: "42170", Name: "arbitrum-nova", Subdomain: "arbitrum-nova."},
		{ID: "1", Name: "mainnet", Subdomain: ""},
		{ID: "10", Name: "optimism", Subdomain: "optimism."},
		{ID: "8453", Name: "base", Subdomain: "base."},
		{ID: "59144", Name: "linea", Subdomain: "linea."},
		{ID: "137", Name: "polygon", Subdomain: "polygon."},
		{ID: "534352", Name: "scroll", Subdomain: "scroll."},
		{ID: "42220", Name: "celo", Subdomain: "celo."},
		{ID: "324", Name: "zksync", Subdomain: "zksync."},
	}
}

// DefaultRegistry returns a registry pre-populated with the built-in networks.
func DefaultRegistry(baseDomain string) *Registry {
	r, err := NewRegistry(baseDomain, DefaultNetworks()...)
	if err != nil {
		// The built-in table has unique, non-empty IDs.
		panic(err)
	}
	return r
}

// fileConfig is the on-disk layout of a networks file:
//
//	[[network]]
//	id = "42161"
//	name = "arbitrum"
//	subdomain = "arbitrum."
type fileConfig struct {
	Networks []Network `toml:"network"`
}

// LoadFile reads a TOML networks file and builds a registry from it.
// The file replaces the built-in table entirely.
func LoadFile(path, baseDomain string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read networks file: %w", err)
	}
	var fc fileConfig
	if _, err := toml.Decode(string(data), &fc); err != nil {
		return nil, fmt.Errorf("failed to decode networks file: %w", err)
	}
	if len(fc.Networks) == 0 {
		return nil, fmt.Errorf("networks file %s defines no networks", path)
	}
	return NewRegistry(baseDomain, fc.Networks...)
}
