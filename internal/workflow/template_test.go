package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlneal/choragen/internal/types"
)

func TestBuiltinTemplatesLoad(t *testing.T) {
	store, err := NewTemplateStore()
	require.NoError(t, err)

	assert.Equal(t, []string{"audit", "documentation", "hotfix", "ideation", "standard"}, store.Names())

	tpl, err := store.Get("standard")
	require.NoError(t, err)
	require.NotEmpty(t, tpl.Stages)
	assert.Equal(t, "design", tpl.Stages[0].Name)
	assert.Equal(t, StageTypeAgent, tpl.Stages[0].Type)
	assert.Equal(t, GateHumanApproval, tpl.Stages[0].Gate)
}

func TestGetUnknownTemplate(t *testing.T) {
	store, err := NewTemplateStore()
	require.NoError(t, err)

	_, err = store.Get("nonexistent")
	require.Error(t, err)
	assert.Equal(t, ErrTemplateNotFound, types.CodeOf(err))
}

func TestLoadDirOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	doc := `name: standard
description: replaced by the user
stages:
  - name: only
    type: human_approval
    gate: human_approval
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "standard.yaml"), []byte(doc), 0o644))

	store, err := NewTemplateStore()
	require.NoError(t, err)
	require.NoError(t, store.LoadDir(dir))

	tpl, err := store.Get("standard")
	require.NoError(t, err)
	assert.Equal(t, "replaced by the user", tpl.Description)
	require.Len(t, tpl.Stages, 1)
}

func TestTemplateValidation(t *testing.T) {
	tests := []struct {
		name string
		tpl  Template
	}{
		{
			name: "no name",
			tpl: Template{
				Stages: []StageTemplate{{Name: "s", Type: StageTypeHumanApproval, Gate: GateAuto}},
			},
		},
		{
			name: "no stages",
			tpl:  Template{Name: "empty"},
		},
		{
			name: "unnamed stage",
			tpl: Template{
				Name:   "bad",
				Stages: []StageTemplate{{Type: StageTypeHumanApproval, Gate: GateAuto}},
			},
		},
		{
			name: "invalid gate",
			tpl: Template{
				Name:   "bad",
				Stages: []StageTemplate{{Name: "s", Type: StageTypeHumanApproval, Gate: GateType("vibes")}},
			},
		},
		{
			name: "agent stage without role",
			tpl: Template{
				Name:   "bad",
				Stages: []StageTemplate{{Name: "s", Type: StageTypeAgent, Gate: GateAuto}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tpl.Validate()
			require.Error(t, err)
			assert.Equal(t, ErrTemplateInvalid, types.CodeOf(err))
		})
	}
}

func TestInterpolate(t *testing.T) {
	vars := map[string]string{
		"request_id": "req-0042",
		"stage_name": "design",
	}

	assert.Equal(t, "Design req-0042 now.",
		Interpolate("Design {{request_id}} now.", vars, nil))

	// Whitespace inside the braces is tolerated.
	assert.Equal(t, "stage: design",
		Interpolate("stage: {{ stage_name }}", vars, nil))

	// Unknown placeholders stay literal.
	assert.Equal(t, "keep {{unknown_var}} as is",
		Interpolate("keep {{unknown_var}} as is", vars, nil))

	// Text without placeholders passes through untouched.
	assert.Equal(t, "plain text", Interpolate("plain text", vars, nil))
}
