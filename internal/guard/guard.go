package guard

import (
	"github.com/frahmantamala/identity-mesh/internal/identity"
)

// Facet names one axis of the grant graph a policy can constrain.
type Facet string

const (
	FacetService    Facet = "service"
	FacetRole       Facet = "role"
	FacetPermission Facet = "permission"
)

// Requirement constrains one facet: the caller passes when ANY of the
// required values appears among the values extracted from the token payload.
// The extractor is plain data, so new facets need no new middleware.
type Requirement struct {
	Facet   Facet
	Values  []string
	Extract func(identity.TokenPayload) []string
}

// RequireServices passes callers holding a grant in any of the named
// services.
func RequireServices(names ...string) Requirement {
	return Requirement{
		Facet:   FacetService,
		Values:  names,
		Extract: identity.TokenPayload.ServiceNames,
	}
}

// RequireRoles passes callers holding any of the named roles, in any service.
func RequireRoles(names ...string) Requirement {
	return Requirement{
		Facet:   FacetRole,
		Values:  names,
		Extract: identity.TokenPayload.RoleNames,
	}
}

// RequirePermissions passes callers holding any of the named permissions
// through any of their roles.
func RequirePermissions(names ...string) Requirement {
	return Requirement{
		Facet:   FacetPermission,
		Values:  names,
		Extract: identity.TokenPayload.PermissionNames,
	}
}

// Decision is the explicit outcome of a policy check. Reason is for internal
// logs only and never reaches the caller.
type Decision struct {
	Allowed bool
	Facet   Facet
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(facet Facet, reason string) Decision {
	return Decision{Allowed: false, Facet: facet, Reason: reason}
}

// Policy is a conjunction of requirements: every declared facet must pass,
// while within a facet any single match suffices. An empty policy allows
// everyone with a valid token.
type Policy struct {
	requirements []Requirement
}

func NewPolicy(requirements ...Requirement) Policy {
	return Policy{requirements: requirements}
}

// Authorize evaluates the payload against every requirement and reports the
// first facet that fails.
func (p Policy) Authorize(payload identity.TokenPayload) Decision {
	for _, req := range p.requirements {
		if len(req.Values) == 0 {
			continue
		}
		if !matchAny(req.Extract(payload), req.Values) {
			return deny(req.Facet, "no matching "+string(req.Facet)+" grant")
		}
	}
	return allow()
}

func matchAny(held, required []string) bool {
	set := make(map[string]struct{}, len(held))
	for _, v := range held {
		set[v] = struct{}{}
	}
	for _, v := range required {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
