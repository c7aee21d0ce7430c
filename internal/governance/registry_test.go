package governance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlneal/choragen/internal/types"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()

	require.NoError(t, r.RegisterTool(ToolDefinition{
		Name:        "read_file",
		Description: "Read a file",
		Mutating:    false,
	}))
	require.NoError(t, r.RegisterTool(ToolDefinition{
		Name:        "write_file",
		Description: "Write a file",
		Mutating:    true,
		Stages:      []string{"agent"},
	}))
	require.NoError(t, r.RegisterTool(ToolDefinition{
		Name:        "close_request",
		Description: "Close a request",
		Sensitive:   true,
		Stages:      []string{"agent", "post_commit"},
	}))

	require.NoError(t, r.RegisterRole(Role{
		Name:  "developer",
		Tools: []string{"read_file", "write_file"},
		Model: "claude-3-5-sonnet",
		Rules: []Rule{
			{Action: "*", Pattern: "**", Effect: EffectAllow},
		},
	}))
	require.NoError(t, r.RegisterRole(Role{
		Name:  "auditor",
		Tools: []string{"read_file"},
		Model: "claude-3-haiku",
		Rules: []Rule{
			{Action: "read_file", Pattern: "**", Effect: EffectAllow},
		},
	}))

	return r
}

func TestToolsForIntersection(t *testing.T) {
	r := testRegistry(t)

	// developer in an agent stage sees both of its tools.
	tools, err := r.ToolsFor("developer", "agent")
	require.NoError(t, err)
	assert.Equal(t, []string{"read_file", "write_file"}, toolNames(tools))

	// write_file is agent-stage only.
	tools, err = r.ToolsFor("developer", "verification")
	require.NoError(t, err)
	assert.Equal(t, []string{"read_file"}, toolNames(tools))

	// auditor never sees write_file regardless of stage.
	tools, err = r.ToolsFor("auditor", "agent")
	require.NoError(t, err)
	assert.Equal(t, []string{"read_file"}, toolNames(tools))
}

func TestToolsForIsSubsetOfRoleTools(t *testing.T) {
	r := testRegistry(t)

	for _, roleName := range r.RoleNames() {
		role, err := r.Role(roleName)
		require.NoError(t, err)

		for _, stageType := range []string{"agent", "verification", "post_commit", "reflection"} {
			tools, err := r.ToolsFor(roleName, stageType)
			require.NoError(t, err)
			for _, tool := range tools {
				assert.True(t, role.AllowsTool(tool.Name),
					"role %s must not see tool %s", roleName, tool.Name)
				assert.True(t, tool.VisibleInStage(stageType),
					"stage %s must not expose tool %s", stageType, tool.Name)
			}
		}
	}
}

func TestToolsForUnknownRole(t *testing.T) {
	r := testRegistry(t)

	_, err := r.ToolsFor("ghost", "agent")
	require.Error(t, err)
	assert.Equal(t, ErrRoleNotFound, types.CodeOf(err))
}

func TestLoadFromFilesAndReload(t *testing.T) {
	dir := t.TempDir()

	rolesPath := filepath.Join(dir, "roles.yaml")
	toolsPath := filepath.Join(dir, "tools.yaml")

	rolesDoc := `roles:
  - name: developer
    model: claude-3-5-sonnet
    tools: [read_file]
    rules:
      - action: read_file
        pattern: "**"
        effect: allow
`
	toolsDoc := `tools:
  - name: read_file
    description: Read a file
    parameters:
      type: object
      properties:
        path:
          type: string
`
	require.NoError(t, os.WriteFile(rolesPath, []byte(rolesDoc), 0o644))
	require.NoError(t, os.WriteFile(toolsPath, []byte(toolsDoc), 0o644))

	r := NewRegistry()
	require.NoError(t, r.LoadFromFiles(rolesPath, toolsPath))

	role, err := r.Role("developer")
	require.NoError(t, err)
	assert.Equal(t, "claude-3-5-sonnet", role.Model)

	tool, err := r.Tool("read_file")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"object","properties":{"path":{"type":"string"}}}`, string(tool.Parameters))

	// Reload picks up index edits.
	rolesDoc2 := `roles:
  - name: developer
    model: claude-3-opus
    tools: [read_file]
`
	require.NoError(t, os.WriteFile(rolesPath, []byte(rolesDoc2), 0o644))
	require.NoError(t, r.Reload())

	role, err = r.Role("developer")
	require.NoError(t, err)
	assert.Equal(t, "claude-3-opus", role.Model)
}

func TestLoadRejectsInvalidRuleEffect(t *testing.T) {
	dir := t.TempDir()
	rolesPath := filepath.Join(dir, "roles.yaml")
	toolsPath := filepath.Join(dir, "tools.yaml")

	rolesDoc := `roles:
  - name: developer
    tools: [read_file]
    rules:
      - action: read_file
        pattern: "**"
        effect: maybe
`
	require.NoError(t, os.WriteFile(rolesPath, []byte(rolesDoc), 0o644))
	require.NoError(t, os.WriteFile(toolsPath, []byte("tools: []\n"), 0o644))

	r := NewRegistry()
	err := r.LoadFromFiles(rolesPath, toolsPath)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidRule, types.CodeOf(err))
}

func toolNames(tools []ToolDefinition) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}
