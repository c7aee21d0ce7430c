package governance

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jlneal/choragen/internal/types"
)

// toolIndexDoc is the YAML shape of the tool-metadata index.
type toolIndexDoc struct {
	Tools []toolIndexEntry `yaml:"tools"`
}

// toolIndexEntry mirrors ToolDefinition but carries the parameter schema
// as a YAML map, converted to JSON on load.
type toolIndexEntry struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
	Sensitive   bool           `yaml:"sensitive"`
	Mutating    bool           `yaml:"mutating"`
	Stages      []string       `yaml:"stages"`
}

// roleIndexDoc is the YAML shape of the role index.
type roleIndexDoc struct {
	Roles []Role `yaml:"roles"`
}

// Registry holds the tool and role indices. The indices are read-mostly:
// cached in process and replaced wholesale on Reload, never mutated in
// place.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ToolDefinition
	roles map[string]*Role

	rolePath string
	toolPath string
}

// NewRegistry creates an empty Registry. Use LoadFromFiles or the
// Register* methods to populate it.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]ToolDefinition),
		roles: make(map[string]*Role),
	}
}

// LoadFromFiles reads the role index and tool-metadata index from YAML
// documents and remembers the paths for Reload.
func (r *Registry) LoadFromFiles(rolePath, toolPath string) error {
	roles, err := loadRoleIndex(rolePath)
	if err != nil {
		return err
	}
	tools, err := loadToolIndex(toolPath)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles = roles
	r.tools = tools
	r.rolePath = rolePath
	r.toolPath = toolPath
	return nil
}

// Reload re-reads the previously loaded index files. Both indices are
// replaced atomically; a load failure leaves the current snapshot intact.
func (r *Registry) Reload() error {
	r.mu.RLock()
	rolePath, toolPath := r.rolePath, r.toolPath
	r.mu.RUnlock()

	if rolePath == "" || toolPath == "" {
		return types.NewError(ErrLoadFailed, "registry was not loaded from files")
	}
	return r.LoadFromFiles(rolePath, toolPath)
}

// RegisterTool adds or replaces a tool definition.
func (r *Registry) RegisterTool(tool ToolDefinition) error {
	if tool.Name == "" {
		return types.NewError(ErrInvalidRule, "tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
	return nil
}

// RegisterRole adds or replaces a role.
func (r *Registry) RegisterRole(role Role) error {
	if role.Name == "" {
		return types.NewError(ErrInvalidRule, "role name is required")
	}
	for _, rule := range role.Rules {
		if !rule.Effect.IsValid() {
			return types.NewError(ErrInvalidRule,
				fmt.Sprintf("role %q: invalid rule effect %q", role.Name, rule.Effect))
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := role
	r.roles[role.Name] = &copied
	return nil
}

// Role returns the named role.
func (r *Registry) Role(name string) (*Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.roles[name]
	if !ok {
		return nil, types.NewError(ErrRoleNotFound, fmt.Sprintf("role %q not found", name))
	}
	return role, nil
}

// Tool returns the named tool definition.
func (r *Registry) Tool(name string) (ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return ToolDefinition{}, types.NewError(ErrToolNotFound, fmt.Sprintf("tool %q not found", name))
	}
	return tool, nil
}

// ToolsFor returns the tool set visible to a role while a stage of the
// given type is active: the intersection of the role's visibility list
// and the tools permitted in that stage type. Pure function of the
// registry snapshot, sorted by name for deterministic output.
func (r *Registry) ToolsFor(roleName, stageType string) ([]ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.roles[roleName]
	if !ok {
		return nil, types.NewError(ErrRoleNotFound, fmt.Sprintf("role %q not found", roleName))
	}

	visible := make([]ToolDefinition, 0, len(role.Tools))
	for _, name := range role.Tools {
		tool, exists := r.tools[name]
		if !exists {
			continue
		}
		if !tool.VisibleInStage(stageType) {
			continue
		}
		visible = append(visible, tool)
	}

	sort.Slice(visible, func(i, j int) bool {
		return visible[i].Name < visible[j].Name
	})
	return visible, nil
}

// RoleNames returns the names of all registered roles, sorted.
func (r *Registry) RoleNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func loadRoleIndex(path string) (map[string]*Role, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WrapError(ErrLoadFailed,
			fmt.Sprintf("failed to read role index %s", path), err)
	}

	var doc roleIndexDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, types.WrapError(ErrLoadFailed,
			fmt.Sprintf("failed to parse role index %s", path), err)
	}

	roles := make(map[string]*Role, len(doc.Roles))
	for i := range doc.Roles {
		role := doc.Roles[i]
		if role.Name == "" {
			return nil, types.NewError(ErrLoadFailed,
				fmt.Sprintf("role index %s: role %d has no name", path, i))
		}
		for _, rule := range role.Rules {
			if !rule.Effect.IsValid() {
				return nil, types.NewError(ErrInvalidRule,
					fmt.Sprintf("role %q: invalid rule effect %q", role.Name, rule.Effect))
			}
		}
		roles[role.Name] = &role
	}
	return roles, nil
}

func loadToolIndex(path string) (map[string]ToolDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WrapError(ErrLoadFailed,
			fmt.Sprintf("failed to read tool index %s", path), err)
	}

	var doc toolIndexDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, types.WrapError(ErrLoadFailed,
			fmt.Sprintf("failed to parse tool index %s", path), err)
	}

	tools := make(map[string]ToolDefinition, len(doc.Tools))
	for _, entry := range doc.Tools {
		if entry.Name == "" {
			return nil, types.NewError(ErrLoadFailed,
				fmt.Sprintf("tool index %s: tool has no name", path))
		}

		var schema json.RawMessage
		if entry.Parameters != nil {
			encoded, err := json.Marshal(entry.Parameters)
			if err != nil {
				return nil, types.WrapError(ErrLoadFailed,
					fmt.Sprintf("tool %q: invalid parameter schema", entry.Name), err)
			}
			schema = encoded
		}

		tools[entry.Name] = ToolDefinition{
			Name:        entry.Name,
			Description: entry.Description,
			Parameters:  schema,
			Sensitive:   entry.Sensitive,
			Mutating:    entry.Mutating,
			Stages:      entry.Stages,
		}
	}
	return tools, nil
}
