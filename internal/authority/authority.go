// Package authority turns identity-provider claims into the ROLE_<name>
// authorities used for access-control decisions.
//
// Two claim shapes carry the same information. Keycloak-style providers
// nest roles under realm_access.roles; others publish a flat groups list.
// When the nested shape is present it wins and groups is ignored.
package authority

import (
	"sort"
	"strings"
)

const (
	// Prefix marks a role-derived authority.
	Prefix = "ROLE_"

	ClaimRealmAccess = "realm_access"
	ClaimRoles       = "roles"
	ClaimGroups      = "groups"
)

// Set is an unordered collection of authorities. The zero value is empty and
// ready to use for reads.
type Set map[string]struct{}

func (s Set) Has(authority string) bool {
	_, ok := s[authority]
	return ok
}

func (s Set) Len() int { return len(s) }

// Slice returns the authorities in sorted order.
func (s Set) Slice() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (s Set) String() string {
	return "[" + strings.Join(s.Slice(), " ") + "]"
}

// PrincipalKind distinguishes how a principal was authenticated.
type PrincipalKind int

const (
	// PrincipalOIDC carries the user-info claims of a verified ID token.
	PrincipalOIDC PrincipalKind = iota
	// PrincipalOAuth2 carries the attributes of a bearer access token.
	PrincipalOAuth2
)

func (k PrincipalKind) String() string {
	switch k {
	case PrincipalOIDC:
		return "oidc"
	case PrincipalOAuth2:
		return "oauth2"
	default:
		return "unknown"
	}
}

// Principal is one authenticated identity and its raw claim bundle.
type Principal struct {
	Kind    PrincipalKind
	Subject string
	Claims  map[string]any
}

// MapClaims never fails: missing or malformed claim substructures simply
// contribute nothing.
func MapClaims(claims map[string]any) Set {
	out := Set{}
	if roles, ok := nestedRoles(claims); ok {
		addAll(out, roles)
		return out
	}
	if groups, ok := stringList(claims[ClaimGroups]); ok {
		addAll(out, groups)
	}
	return out
}

// MapPrincipals maps the first principal only. Authentication layers hand
// over one principal per request; additional entries are ignored rather than
// merged.
func MapPrincipals(principals []Principal) Set {
	if len(principals) == 0 {
		return Set{}
	}
	return MapClaims(principals[0].Claims)
}

// Authority returns the authority for a role or group name.
func Authority(name string) string {
	return Prefix + name
}

// nestedRoles reports the nested shape as present whenever realm_access is,
// even when it carries no usable roles list; groups is then never read.
func nestedRoles(claims map[string]any) ([]string, bool) {
	raw, ok := claims[ClaimRealmAccess]
	if !ok || raw == nil {
		return nil, false
	}
	var roles any
	switch access := raw.(type) {
	case map[string]any:
		roles = access[ClaimRoles]
	case map[string][]string:
		roles = access[ClaimRoles]
	}
	list, _ := stringList(roles)
	return list, true
}

func stringList(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func addAll(s Set, names []string) {
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			s[Authority(name)] = struct{}{}
		}
	}
}
