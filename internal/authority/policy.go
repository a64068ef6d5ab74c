package authority

import (
	"net/http"
	"strings"
)

// Access is the requirement a route places on the caller.
type Access int

const (
	PermitAll Access = iota
	Authenticated
	RequireAuthority
)

// Rule matches a path pattern. A pattern ending in "/**" matches the prefix
// and everything below it; anything else matches exactly.
type Rule struct {
	Method    string
	Pattern   string
	Access    Access
	Authority string
}

func (r Rule) matches(method, path string) bool {
	if r.Method != "" && r.Method != method {
		return false
	}
	if prefix, ok := strings.CutSuffix(r.Pattern, "/**"); ok {
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	return path == r.Pattern
}

// Decision is the outcome of evaluating a request against a Policy.
type Decision int

const (
	Allow Decision = iota
	// Unauthenticated means credentials are needed (401).
	Unauthenticated
	// Forbidden means the caller is authenticated but lacks the authority (403).
	Forbidden
)

// Policy is an ordered rule list; the first matching rule decides. Requests
// matching no rule must be authenticated.
type Policy struct {
	Rules []Rule
}

// NewStreamingPolicy builds the route rules for the signaling server: CORS
// preflights and the REST surface are open, each application's routes and
// the lifecycle hooks need ROLE_<role>, the root is open and anything else
// requires a login.
func NewStreamingPolicy(appNames []string, role string) Policy {
	rules := []Rule{
		{Method: http.MethodOptions, Pattern: "/**", Access: PermitAll},
		{Pattern: "/rest/**", Access: PermitAll},
		{Pattern: "/hooks/**", Access: RequireAuthority, Authority: Authority(role)},
	}
	for _, app := range appNames {
		rules = append(rules, Rule{Pattern: "/" + app + "/**", Access: RequireAuthority, Authority: Authority(role)})
	}
	rules = append(rules, Rule{Pattern: "/", Access: PermitAll})
	return Policy{Rules: rules}
}

// Permit adds open routes ahead of the existing rules.
func (p Policy) Permit(patterns ...string) Policy {
	rules := make([]Rule, 0, len(patterns)+len(p.Rules))
	for _, pattern := range patterns {
		rules = append(rules, Rule{Pattern: pattern, Access: PermitAll})
	}
	return Policy{Rules: append(rules, p.Rules...)}
}

// Requires reports whether the request needs an authenticated principal.
func (p Policy) Requires(method, path string) bool {
	return p.rule(method, path).Access != PermitAll
}

// Decide evaluates a request. authenticated reports whether a principal was
// established; authorities are that principal's mapped authorities.
func (p Policy) Decide(method, path string, authenticated bool, authorities Set) Decision {
	rule := p.rule(method, path)
	switch rule.Access {
	case PermitAll:
		return Allow
	case RequireAuthority:
		if !authenticated {
			return Unauthenticated
		}
		if !authorities.Has(rule.Authority) {
			return Forbidden
		}
		return Allow
	default:
		if !authenticated {
			return Unauthenticated
		}
		return Allow
	}
}

func (p Policy) rule(method, path string) Rule {
	for _, r := range p.Rules {
		if r.matches(method, path) {
			return r
		}
	}
	return Rule{Pattern: "/**", Access: Authenticated}
}
