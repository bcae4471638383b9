// Package network provides the static table of attestation registries the
// gateway fans out to, one per blockchain network.
package network

import "fmt"

// DefaultBaseDomain is the EAS explorer domain that per-network subdomains
// are prefixed to.
const DefaultBaseDomain = "easscan.org"

// Network identifies one attestation registry.
type Network struct {
	// ID is the stable network identifier (the chain ID, e.g. "42161").
	ID string `toml:"id"`

	// Name is a human-readable label (e.g. "arbitrum").
	Name string `toml:"name"`

	// Subdomain is prepended to the base domain to build the GraphQL endpoint.
	// Mainnet uses an empty subdomain.
	Subdomain string `toml:"subdomain"`

	// URL overrides the endpoint built from Subdomain when set.
	URL string `toml:"url"`
}

// Endpoint returns the GraphQL endpoint for the network.
func (n Network) Endpoint(baseDomain string) string {
	if n.URL != "" {
		return n.URL
	}
	if baseDomain == "" {
		baseDomain = DefaultBaseDomain
	}
	return fmt.Sprintf("https://%s%s/graphql", n.Subdomain, baseDomain)
}

// String returns the network's label for logs.
func (n Network) String() string {
	if n.Name == "" {
		return n.ID
	}
	return n.Name + "(" + n.ID + ")"
}
