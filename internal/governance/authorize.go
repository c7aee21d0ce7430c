package governance

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jlneal/choragen/internal/scope"
	"github.com/jlneal/choragen/internal/types"
)

// Authorizer evaluates governance rules for tool calls. Authorization is
// deterministic: the verdict depends only on the role's rules, the lock
// table, and the call, never on anything the model says.
type Authorizer struct {
	registry *Registry
	resolver *scope.Resolver
}

// NewAuthorizer creates an Authorizer. The resolver may be nil, in which
// case mutating calls skip the lock-scope check.
func NewAuthorizer(registry *Registry, resolver *scope.Resolver) *Authorizer {
	return &Authorizer{registry: registry, resolver: resolver}
}

// Authorize evaluates a role's rules for an action against a path.
// Evaluation order: all deny rules first (deny always wins, even over a
// broader allow), then allow rules, then approve rules, each in declared
// order; anything not explicitly matched is denied (closed world).
func (a *Authorizer) Authorize(role *Role, action, path string) Verdict {
	for _, rule := range role.Rules {
		if rule.Effect == EffectDeny && ruleMatches(rule, action, path) {
			return Deny(fmt.Sprintf("denied by rule: %s on %s", rule.Action, rule.Pattern))
		}
	}
	for _, rule := range role.Rules {
		if rule.Effect == EffectAllow && ruleMatches(rule, action, path) {
			return Allow()
		}
	}
	for _, rule := range role.Rules {
		if rule.Effect == EffectApprove && ruleMatches(rule, action, path) {
			return RequiresApproval(fmt.Sprintf("rule requires approval: %s on %s", rule.Action, rule.Pattern))
		}
	}
	return Deny(fmt.Sprintf("no rule permits %s on %q", action, path))
}

// AuthorizeCall evaluates one tool call for a role. Beyond the role's
// rules, mutating tools are checked against the calling chain's acquired
// lock scope: a write outside that scope is denied regardless of rules.
// Sessions with no chain context skip the lock check.
func (a *Authorizer) AuthorizeCall(role *Role, tool ToolDefinition, path string, chainID types.ID) Verdict {
	if !role.AllowsTool(tool.Name) {
		return Deny(fmt.Sprintf("tool %q is not visible to role %q", tool.Name, role.Name))
	}

	if tool.Mutating && path != "" && a.resolver != nil && !chainID.IsZero() {
		held := a.resolver.ScopeOf(chainID)
		if held == nil {
			return Deny(fmt.Sprintf("chain %s holds no lock; acquire a scope before mutating files", chainID))
		}
		if !held.Matches(path) {
			return Deny(fmt.Sprintf("path %q is outside chain %s's acquired scope", path, chainID))
		}
	}

	return a.Authorize(role, tool.Name, path)
}

// ruleMatches reports whether a rule covers the given action and path.
// An action of "*" matches any tool. A pattern of "*" or "**" matches
// any path, including none at all.
func ruleMatches(rule Rule, action, path string) bool {
	if rule.Action != "*" && rule.Action != action {
		return false
	}
	if rule.Pattern == "*" || rule.Pattern == "**" || rule.Pattern == "" {
		return true
	}
	if path == "" {
		return false
	}
	if rule.Pattern == path {
		return true
	}
	matched, err := doublestar.Match(rule.Pattern, path)
	if err != nil {
		return false
	}
	return matched
}
