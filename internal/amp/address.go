// Package amp implements the Identity & Messaging Substrate's envelope
// layer (spec.md §4.C3): address parsing, envelope construction and
// canonical signing, and the amp-api-keys.json store (§6). Grounded on
// the teacher's internal/bridge package boundary (a small, import-cycle
// free leaf that other components depend on without depending back), and
// on internal/nostr/signer.go for the canonical-serialize-then-sign shape.
package amp

import (
	"strings"

	"github.com/aimaestro/aimaestrod/internal/core"
)

// localProviderSuffix is the domain suffix that always denotes a local,
// mesh-routed address (spec.md §3 Address).
const localProviderSuffix = ".aimaestro.local"

// Address is the parsed form of "agent@tenant.provider" (spec.md §3).
type Address struct {
	Agent    string
	Tenant   string
	Provider string
	IsLocal  bool
}

// String reconstructs the canonical "agent@tenant.provider" form.
func (a Address) String() string {
	return a.Agent + "@" + a.Tenant + "." + a.Provider
}

// ParseAddress implements spec.md §4.C3 parseAddress(s, defaultTenant).
//
// A bare token expands to token@defaultTenant.aimaestro.local. A
// "name@host" form where host has no dot is local with tenant=host. A
// domain ending in ".aimaestro.local" is always local with tenant equal
// to the label preceding that suffix. Any other dotted domain is
// external.
func ParseAddress(s, defaultTenant string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, core.New(core.KindValidation, "address must not be empty")
	}

	agent, domain, hasAt := strings.Cut(s, "@")
	if agent == "" {
		return Address{}, core.Newf(core.KindValidation, "address %q missing agent part", s)
	}

	if !hasAt {
		return Address{
			Agent:    agent,
			Tenant:   defaultTenant,
			Provider: "aimaestro.local",
			IsLocal:  true,
		}, nil
	}

	if domain == "" {
		return Address{}, core.Newf(core.KindValidation, "address %q missing domain part", s)
	}

	if strings.HasSuffix(domain, localProviderSuffix) {
		tenant := strings.TrimSuffix(domain, localProviderSuffix)
		if tenant == "" {
			return Address{}, core.Newf(core.KindValidation, "address %q has empty tenant", s)
		}
		return Address{Agent: agent, Tenant: tenant, Provider: "aimaestro.local", IsLocal: true}, nil
	}

	if !strings.Contains(domain, ".") {
		return Address{Agent: agent, Tenant: domain, Provider: "aimaestro.local", IsLocal: true}, nil
	}

	tenant, provider, ok := strings.Cut(domain, ".")
	if !ok || tenant == "" || provider == "" {
		return Address{}, core.Newf(core.KindValidation, "address %q has malformed domain", s)
	}
	return Address{Agent: agent, Tenant: tenant, Provider: provider, IsLocal: false}, nil
}
