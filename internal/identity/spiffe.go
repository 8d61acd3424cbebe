// Package identity validates SPIFFE identities presented by agents that
// declare themselves high-security (spec §2 ambient stack). The registry
// does not terminate mTLS itself; it trusts a SPIFFE-ID header set by
// whatever mesh sidecar or ingress already validated the peer's SVID, and
// only checks that the asserted ID belongs to the registry's configured
// trust domain.
package identity

import (
	"fmt"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

// ValidateHighSecurity parses raw as a SPIFFE ID and confirms it belongs to
// trustDomain. An empty raw, a malformed ID, or a foreign trust domain are
// all rejected: high-security agents must present a real, in-domain
// identity, never an absent one.
func ValidateHighSecurity(trustDomain, raw string) (spiffeid.ID, error) {
	if raw == "" {
		return spiffeid.ID{}, fmt.Errorf("high-security agent did not present a SPIFFE ID")
	}
	id, err := spiffeid.FromString(raw)
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("malformed SPIFFE ID %q: %w", raw, err)
	}
	want, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("misconfigured trust domain %q: %w", trustDomain, err)
	}
	if id.TrustDomain() != want {
		return spiffeid.ID{}, fmt.Errorf("SPIFFE ID %q is not in trust domain %q", raw, trustDomain)
	}
	return id, nil
}
