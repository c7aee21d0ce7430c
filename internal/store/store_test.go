package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlneal/choragen/internal/governance"
	"github.com/jlneal/choragen/internal/llm"
	"github.com/jlneal/choragen/internal/scope"
	"github.com/jlneal/choragen/internal/session"
	"github.com/jlneal/choragen/internal/types"
	"github.com/jlneal/choragen/internal/workflow"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := newStore(t)

	now := time.Now().Truncate(time.Second)
	w := &workflow.Workflow{
		ID:        types.NewID(),
		Template:  "standard",
		RequestID: "req-0042",
		ChainID:   types.NewID(),
		Status:    workflow.WorkflowActive,
		Stages: []workflow.WorkflowStage{
			{
				Name:   "design",
				Type:   workflow.StageTypeAgent,
				Role:   "architect",
				Status: workflow.StageCompleted,
				Gate: workflow.StageGate{
					Type:        workflow.GateHumanApproval,
					Satisfied:   true,
					SatisfiedBy: "reviewer",
					SatisfiedAt: &now,
					Options:     []string{"advance", "discard"},
				},
			},
			{
				Name:   "implement",
				Type:   workflow.StageTypeAgent,
				Role:   "developer",
				Status: workflow.StageActive,
				Gate:   workflow.StageGate{Type: workflow.GateChainComplete},
			},
		},
		CurrentStage: 1,
		Variables:    map[string]string{"request_id": "req-0042"},
		Messages: []workflow.MessageEntry{
			{From: "system", Text: "created", At: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.SaveWorkflow(w))

	loaded, err := s.LoadWorkflow(w.ID)
	require.NoError(t, err)

	assert.Equal(t, w.ID, loaded.ID)
	assert.Equal(t, w.Stages, loaded.Stages)
	assert.Equal(t, w.Variables, loaded.Variables)
	assert.Equal(t, w.CurrentStage, loaded.CurrentStage)
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "created", loaded.Messages[0].Text)
}

func TestLoadWorkflowNotFound(t *testing.T) {
	s := newStore(t)

	_, err := s.LoadWorkflow(types.NewID())
	require.Error(t, err)
	assert.Equal(t, workflow.ErrWorkflowNotFound, types.CodeOf(err))
}

func TestListWorkflows(t *testing.T) {
	s := newStore(t)

	ids := map[types.ID]bool{}
	for i := 0; i < 3; i++ {
		w := &workflow.Workflow{
			ID:     types.NewID(),
			Status: workflow.WorkflowActive,
		}
		require.NoError(t, s.SaveWorkflow(w))
		ids[w.ID] = true
	}

	workflows, err := s.ListWorkflows()
	require.NoError(t, err)
	require.Len(t, workflows, 3)
	for _, w := range workflows {
		assert.True(t, ids[w.ID], "unexpected workflow %s", w.ID)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newStore(t)

	now := time.Now().Truncate(time.Second)
	sess := &session.AgentSession{
		ID:       types.NewID(),
		Role:     "developer",
		Provider: "anthropic",
		Model:    "claude-3-5-sonnet",
		Status:   session.StatusPaused,
		Messages: []llm.Message{
			llm.NewUserMessage("fix the bug"),
			{
				Role:    llm.RoleAssistant,
				Content: "",
				ToolCalls: []llm.ToolCall{
					{ID: "c1", Name: "read_file", Arguments: `{"path":"src/main.go"}`},
				},
			},
			llm.NewToolResultMessage("c1", "package main"),
		},
		ToolCalls: []session.ToolCallRecord{
			{
				ID:        "c1",
				ToolName:  "read_file",
				Arguments: `{"path":"src/main.go"}`,
				Verdict:   governance.Allow(),
				Executed:  true,
				Result:    "package main",
				StartedAt: now,
			},
		},
		Usage: llm.UsageRecord{
			InputTokens:  1200,
			OutputTokens: 450,
			TotalCost:    0.012,
			CallCount:    1,
		},
		Budget:       llm.Budget{MaxCost: 5.0},
		BudgetWarned: false,
		TurnIndex:    1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.SaveSession(sess))

	loaded, err := s.LoadSession(sess.ID)
	require.NoError(t, err)

	assert.Equal(t, sess.Messages, loaded.Messages)
	assert.Equal(t, sess.ToolCalls, loaded.ToolCalls)
	assert.Equal(t, sess.Usage, loaded.Usage)
	assert.Equal(t, sess.Budget, loaded.Budget)
	assert.Equal(t, session.StatusPaused, loaded.Status)
	assert.Equal(t, 1, loaded.TurnIndex)
}

func TestLoadSessionNotFound(t *testing.T) {
	s := newStore(t)

	_, err := s.LoadSession(types.NewID())
	require.Error(t, err)
	assert.Equal(t, session.ErrSessionNotFound, types.CodeOf(err))
}

func TestLockTableSurvivesRestartThroughStore(t *testing.T) {
	s := newStore(t)

	// No lock file yet: a fresh store has no locks and no error.
	table, err := s.LoadLockTable()
	require.NoError(t, err)
	assert.Nil(t, table)

	r1, err := scope.NewResolver(s)
	require.NoError(t, err)

	chainID := types.NewID()
	_, err = r1.Acquire(chainID, scope.FileScope{"src/api/**", "docs/api.md"})
	require.NoError(t, err)

	// A resolver built over the same store sees the persisted lock.
	r2, err := scope.NewResolver(s)
	require.NoError(t, err)
	assert.Equal(t, scope.FileScope{"src/api/**", "docs/api.md"}, r2.ScopeOf(chainID))

	_, err = r2.Acquire(types.NewID(), scope.FileScope{"src/api/handlers/**"})
	require.Error(t, err)

	// Release persists too.
	r2.Release(chainID)
	r3, err := scope.NewResolver(s)
	require.NoError(t, err)
	assert.Nil(t, r3.ScopeOf(chainID))
}

func TestSaveOverwritesAtomically(t *testing.T) {
	s := newStore(t)

	w := &workflow.Workflow{ID: types.NewID(), Status: workflow.WorkflowActive}
	require.NoError(t, s.SaveWorkflow(w))

	w.Status = workflow.WorkflowCompleted
	require.NoError(t, s.SaveWorkflow(w))

	loaded, err := s.LoadWorkflow(w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, loaded.Status)

	// Only one document per workflow.
	workflows, err := s.ListWorkflows()
	require.NoError(t, err)
	assert.Len(t, workflows, 1)
}
