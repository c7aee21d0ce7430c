package governance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlneal/choragen/internal/scope"
	"github.com/jlneal/choragen/internal/types"
)

func TestAuthorizeDenyWinsOverAllow(t *testing.T) {
	role := &Role{
		Name:  "developer",
		Tools: []string{"write_file"},
		Rules: []Rule{
			// Broad allow declared before the deny: deny still wins.
			{Action: "write_file", Pattern: "src/**", Effect: EffectAllow},
			{Action: "write_file", Pattern: "src/secrets/**", Effect: EffectDeny},
		},
	}
	a := NewAuthorizer(NewRegistry(), nil)

	verdict := a.Authorize(role, "write_file", "src/secrets/keys.env")
	assert.Equal(t, DecisionDeny, verdict.Decision)
	assert.NotEmpty(t, verdict.Reason)

	verdict = a.Authorize(role, "write_file", "src/main.go")
	assert.Equal(t, DecisionAllow, verdict.Decision)
}

func TestAuthorizeClosedWorldDefaultDeny(t *testing.T) {
	role := &Role{
		Name:  "developer",
		Tools: []string{"write_file"},
		Rules: []Rule{
			{Action: "write_file", Pattern: "src/**", Effect: EffectAllow},
		},
	}
	a := NewAuthorizer(NewRegistry(), nil)

	verdict := a.Authorize(role, "write_file", "docs/readme.md")
	assert.Equal(t, DecisionDeny, verdict.Decision)

	verdict = a.Authorize(role, "delete_file", "src/main.go")
	assert.Equal(t, DecisionDeny, verdict.Decision)
}

func TestAuthorizeApproveAfterAllow(t *testing.T) {
	role := &Role{
		Name:  "developer",
		Tools: []string{"write_file"},
		Rules: []Rule{
			{Action: "write_file", Pattern: "src/**", Effect: EffectAllow},
			{Action: "write_file", Pattern: "infra/**", Effect: EffectApprove},
		},
	}
	a := NewAuthorizer(NewRegistry(), nil)

	verdict := a.Authorize(role, "write_file", "infra/deploy.yaml")
	assert.Equal(t, DecisionRequiresApproval, verdict.Decision)

	// Allow takes precedence over approve when both match.
	role.Rules = append(role.Rules, Rule{Action: "write_file", Pattern: "src/gen/**", Effect: EffectApprove})
	verdict = a.Authorize(role, "write_file", "src/gen/api.go")
	assert.Equal(t, DecisionAllow, verdict.Decision)
}

func TestAuthorizeWildcardAction(t *testing.T) {
	role := &Role{
		Name:  "auditor",
		Tools: []string{"read_file", "list_dir"},
		Rules: []Rule{
			{Action: "*", Pattern: "**", Effect: EffectAllow},
			{Action: "*", Pattern: ".git/**", Effect: EffectDeny},
		},
	}
	a := NewAuthorizer(NewRegistry(), nil)

	assert.Equal(t, DecisionAllow, a.Authorize(role, "read_file", "src/main.go").Decision)
	assert.Equal(t, DecisionDeny, a.Authorize(role, "read_file", ".git/config").Decision)

	// Tools with no path match the catch-all pattern.
	assert.Equal(t, DecisionAllow, a.Authorize(role, "list_dir", "").Decision)
}

func TestAuthorizeCallScopeCheck(t *testing.T) {
	resolver, err := scope.NewResolver(nil)
	require.NoError(t, err)

	chainID := types.NewID()
	_, err = resolver.Acquire(chainID, scope.FileScope{"src/api/**"})
	require.NoError(t, err)

	role := &Role{
		Name:  "developer",
		Tools: []string{"write_file"},
		Rules: []Rule{
			{Action: "write_file", Pattern: "**", Effect: EffectAllow},
		},
	}
	writeTool := ToolDefinition{Name: "write_file", Mutating: true}

	a := NewAuthorizer(NewRegistry(), resolver)

	// Inside the acquired scope: governed by the rules.
	verdict := a.AuthorizeCall(role, writeTool, "src/api/client.ts", chainID)
	assert.Equal(t, DecisionAllow, verdict.Decision)

	// Outside the scope: denied even though a rule allows it.
	verdict = a.AuthorizeCall(role, writeTool, "src/web/index.ts", chainID)
	assert.Equal(t, DecisionDeny, verdict.Decision)
	assert.Contains(t, verdict.Reason, "outside")

	// A chain that never acquired a lock may not mutate at all.
	verdict = a.AuthorizeCall(role, writeTool, "src/api/client.ts", types.NewID())
	assert.Equal(t, DecisionDeny, verdict.Decision)

	// Standalone sessions (no chain) skip the lock check.
	verdict = a.AuthorizeCall(role, writeTool, "src/web/index.ts", types.ID(""))
	assert.Equal(t, DecisionAllow, verdict.Decision)
}

func TestAuthorizeCallToolVisibility(t *testing.T) {
	role := &Role{
		Name:  "auditor",
		Tools: []string{"read_file"},
		Rules: []Rule{
			{Action: "*", Pattern: "**", Effect: EffectAllow},
		},
	}
	a := NewAuthorizer(NewRegistry(), nil)

	verdict := a.AuthorizeCall(role, ToolDefinition{Name: "write_file", Mutating: true}, "src/main.go", types.ID(""))
	assert.Equal(t, DecisionDeny, verdict.Decision)
	assert.Contains(t, verdict.Reason, "not visible")
}
