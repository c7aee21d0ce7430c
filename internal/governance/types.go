package governance

import (
	"encoding/json"

	"github.com/jlneal/choragen/internal/types"
)

// Governance error codes
const (
	ErrRoleNotFound types.ErrorCode = "GOV_ROLE_NOT_FOUND"
	ErrToolNotFound types.ErrorCode = "GOV_TOOL_NOT_FOUND"
	ErrLoadFailed   types.ErrorCode = "GOV_LOAD_FAILED"
	ErrInvalidRule  types.ErrorCode = "GOV_INVALID_RULE"
)

// ToolDefinition is the registry's metadata for one tool. Tools are data,
// loaded from the tool-metadata index; the runtime never hardcodes them.
type ToolDefinition struct {
	// Name is the unique tool identifier presented to the model.
	Name string `json:"name" yaml:"name"`

	// Description explains what the tool does.
	Description string `json:"description" yaml:"description"`

	// Parameters is the JSON schema for the tool's input.
	Parameters json.RawMessage `json:"parameters,omitempty" yaml:"-"`

	// Sensitive marks tools that require a human checkpoint when
	// checkpoint mode is enabled (destructive file operations, closing
	// actions).
	Sensitive bool `json:"sensitive,omitempty" yaml:"sensitive"`

	// Mutating marks tools that write to the file tree. Mutating calls
	// are additionally checked against the calling chain's lock scope.
	Mutating bool `json:"mutating,omitempty" yaml:"mutating"`

	// Stages restricts visibility to the named stage types. Empty means
	// visible in every stage type.
	Stages []string `json:"stages,omitempty" yaml:"stages"`
}

// VisibleInStage reports whether the tool is permitted while a stage of
// the given type is active.
func (t ToolDefinition) VisibleInStage(stageType string) bool {
	if len(t.Stages) == 0 {
		return true
	}
	for _, s := range t.Stages {
		if s == stageType {
			return true
		}
	}
	return false
}

// RuleEffect is the outcome a governance rule declares for matching calls.
type RuleEffect string

const (
	EffectAllow   RuleEffect = "allow"
	EffectApprove RuleEffect = "approve"
	EffectDeny    RuleEffect = "deny"
)

// IsValid checks if the effect is a recognized value.
func (e RuleEffect) IsValid() bool {
	switch e {
	case EffectAllow, EffectApprove, EffectDeny:
		return true
	default:
		return false
	}
}

// Rule binds an action and path pattern to an effect. Action is a tool
// name or "*" for any tool; Pattern is a path glob ("**" matches any
// path, including an empty one for tools that take no path).
type Rule struct {
	Action  string     `json:"action" yaml:"action"`
	Pattern string     `json:"pattern" yaml:"pattern"`
	Effect  RuleEffect `json:"effect" yaml:"effect"`
}

// Role is a named, data-defined capability set. Adding a role requires
// no recompilation.
type Role struct {
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description,omitempty" yaml:"description"`
	Tools        []string `json:"tools" yaml:"tools"`
	Model        string   `json:"model,omitempty" yaml:"model"`
	Temperature  float64  `json:"temperature,omitempty" yaml:"temperature"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt"`
	Rules        []Rule   `json:"rules,omitempty" yaml:"rules"`
}

// AllowsTool reports whether the tool name appears in the role's
// visibility list.
func (r *Role) AllowsTool(name string) bool {
	for _, t := range r.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// Decision is the outcome of an authorization check.
type Decision string

const (
	DecisionAllow            Decision = "allow"
	DecisionDeny             Decision = "deny"
	DecisionRequiresApproval Decision = "requires_approval"
)

// Verdict carries an authorization decision and, for denials, the reason.
type Verdict struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
}

// Allowed reports whether the call may execute without further gating.
func (v Verdict) Allowed() bool {
	return v.Decision == DecisionAllow
}

// Denied reports whether the call must not execute.
func (v Verdict) Denied() bool {
	return v.Decision == DecisionDeny
}

// Allow constructs an allow verdict.
func Allow() Verdict {
	return Verdict{Decision: DecisionAllow}
}

// Deny constructs a deny verdict with a reason.
func Deny(reason string) Verdict {
	return Verdict{Decision: DecisionDeny, Reason: reason}
}

// RequiresApproval constructs a verdict deferring to a human checkpoint.
func RequiresApproval(reason string) Verdict {
	return Verdict{Decision: DecisionRequiresApproval, Reason: reason}
}
