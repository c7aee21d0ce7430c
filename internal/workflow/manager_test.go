package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlneal/choragen/internal/events"
	"github.com/jlneal/choragen/internal/types"
)

const gatedTemplate = `name: gated
stages:
  - name: plan
    type: human_approval
    init_prompt: "Plan work for {{request_id}} in stage {{stage_name}}."
    gate: human_approval
    gate_options: [advance, discard]
  - name: build
    type: agent
    role: developer
    init_prompt: "Build {{request_id}}."
    gate: auto
  - name: verify
    type: verification
    gate: verification_pass
`

const hookedTemplate = `name: hooked
stages:
  - name: announce
    type: human_approval
    gate: human_approval
    on_enter:
      - kind: post_message
        message: "Starting work on {{request_id}}."
      - kind: emit_event
        event: stage_announced
`

func newTestManager(t *testing.T, extraTemplates ...string) (*Manager, *events.Bus) {
	t.Helper()

	store, err := NewTemplateStore()
	require.NoError(t, err)
	require.NoError(t, store.addYAML([]byte(gatedTemplate), "gated (test)"))
	for _, doc := range extraTemplates {
		require.NoError(t, store.addYAML([]byte(doc), "inline (test)"))
	}

	bus := events.NewBus(nil)
	return NewManager(ManagerDeps{Templates: store, Bus: bus}), bus
}

func TestCreateActivatesFirstStage(t *testing.T) {
	m, _ := newTestManager(t)

	w, err := m.Create(context.Background(), "gated", "req-0042", nil)
	require.NoError(t, err)

	assert.Equal(t, WorkflowActive, w.Status)
	assert.Equal(t, 0, w.CurrentStage)
	assert.Equal(t, StageActive, w.Stages[0].Status)
	assert.Equal(t, StagePending, w.Stages[1].Status)
	assert.Equal(t, StagePending, w.Stages[2].Status)

	// Placeholders render against workflow variables at activation.
	assert.Equal(t, "Plan work for req-0042 in stage plan.", w.Stages[0].InitPrompt)
	assert.Equal(t, "req-0042", w.Variables["request_id"])
	// Later stages render when they activate, not before.
	assert.Contains(t, w.Stages[1].InitPrompt, "{{request_id}}")
}

func TestCreateUnknownTemplate(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Create(context.Background(), "ghost", "req-1", nil)
	require.Error(t, err)
	assert.Equal(t, ErrTemplateNotFound, types.CodeOf(err))
}

func TestAdvanceBlockedByUnsatisfiedGate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	w, err := m.Create(ctx, "gated", "req-1", nil)
	require.NoError(t, err)

	_, err = m.Advance(ctx, w.ID)
	require.Error(t, err)
	assert.Equal(t, ErrGateUnsatisfied, types.CodeOf(err))

	// State is unchanged by the failed advance.
	w, err = m.Get(w.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, w.CurrentStage)
	assert.Equal(t, StageActive, w.Stages[0].Status)

	require.NoError(t, m.SatisfyGate(w.ID, 0, "reviewer"))

	w, err = m.Advance(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, w.CurrentStage)
	assert.Equal(t, StageCompleted, w.Stages[0].Status)
	assert.Equal(t, StageActive, w.Stages[1].Status)
	assert.Equal(t, "reviewer", w.Stages[0].Gate.SatisfiedBy)
}

func TestSatisfyGateIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	w, err := m.Create(ctx, "gated", "req-1", nil)
	require.NoError(t, err)

	require.NoError(t, m.SatisfyGate(w.ID, 0, "alice"))

	w, err = m.Get(w.ID)
	require.NoError(t, err)
	firstBy := w.Stages[0].Gate.SatisfiedBy
	firstAt := w.Stages[0].Gate.SatisfiedAt
	require.NotNil(t, firstAt)

	// Second satisfaction is a no-op, not an error.
	require.NoError(t, m.SatisfyGate(w.ID, 0, "bob"))

	w, err = m.Get(w.ID)
	require.NoError(t, err)
	assert.Equal(t, firstBy, w.Stages[0].Gate.SatisfiedBy)
	assert.Equal(t, firstAt, w.Stages[0].Gate.SatisfiedAt)
}

func TestSatisfyGateStageIndexBounds(t *testing.T) {
	m, _ := newTestManager(t)

	w, err := m.Create(context.Background(), "gated", "req-1", nil)
	require.NoError(t, err)

	err = m.SatisfyGate(w.ID, 7, "reviewer")
	require.Error(t, err)
	assert.Equal(t, ErrStageIndex, types.CodeOf(err))
}

func TestAutoGateSatisfiedOnActivation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	w, err := m.Create(ctx, "gated", "req-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.SatisfyGate(w.ID, 0, "reviewer"))

	w, err = m.Advance(ctx, w.ID)
	require.NoError(t, err)

	gate := w.Stages[1].Gate
	assert.True(t, gate.Satisfied)
	assert.Equal(t, "auto", gate.SatisfiedBy)
}

func TestWorkflowRunsToCompletion(t *testing.T) {
	m, bus := newTestManager(t)
	ctx := context.Background()

	done, cleanup := bus.Subscribe(events.Filter{
		Types: []events.EventType{events.EventWorkflowCompleted},
	}, 1)
	defer cleanup()

	w, err := m.Create(ctx, "gated", "req-1", nil)
	require.NoError(t, err)

	require.NoError(t, m.SatisfyGate(w.ID, 0, "reviewer"))
	_, err = m.Advance(ctx, w.ID)
	require.NoError(t, err)

	// Stage 1 gate is auto, already satisfied.
	_, err = m.Advance(ctx, w.ID)
	require.NoError(t, err)

	require.NoError(t, m.SatisfyGate(w.ID, 2, "verifier"))
	w, err = m.Advance(ctx, w.ID)
	require.NoError(t, err)

	assert.Equal(t, WorkflowCompleted, w.Status)
	assert.Nil(t, w.ActiveStage())
	for _, stage := range w.Stages {
		assert.Equal(t, StageCompleted, stage.Status)
	}

	select {
	case e := <-done:
		assert.Equal(t, w.ID, e.WorkflowID)
	default:
		t.Fatal("expected a workflow completed event")
	}
}

func TestExactlyOneActiveStage(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	w, err := m.Create(ctx, "gated", "req-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.SatisfyGate(w.ID, 0, "reviewer"))
	w, err = m.Advance(ctx, w.ID)
	require.NoError(t, err)

	var active int
	for i, stage := range w.Stages {
		switch {
		case i < w.CurrentStage:
			assert.Equal(t, StageCompleted, stage.Status)
		case i == w.CurrentStage:
			assert.Equal(t, StageActive, stage.Status)
			active++
		default:
			assert.Equal(t, StagePending, stage.Status)
		}
	}
	assert.Equal(t, 1, active)
}

func TestDiscardRequiresReason(t *testing.T) {
	m, _ := newTestManager(t)

	w, err := m.Create(context.Background(), "gated", "req-1", nil)
	require.NoError(t, err)

	err = m.Discard(w.ID, "")
	require.Error(t, err)
	assert.Equal(t, ErrReasonRequired, types.CodeOf(err))

	require.NoError(t, m.Discard(w.ID, "duplicate of req-0007"))

	w, err = m.Get(w.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkflowDiscarded, w.Status)
	assert.Equal(t, "duplicate of req-0007", w.DiscardReason)
	require.NotEmpty(t, w.Messages)
	assert.Contains(t, w.Messages[len(w.Messages)-1].Text, "duplicate of req-0007")
}

func TestDiscardAndCancelAreDistinct(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	discarded, err := m.Create(ctx, "gated", "req-1", nil)
	require.NoError(t, err)
	cancelled, err := m.Create(ctx, "gated", "req-2", nil)
	require.NoError(t, err)

	require.NoError(t, m.Discard(discarded.ID, "not worth doing"))
	require.NoError(t, m.Cancel(cancelled.ID))

	d, err := m.Get(discarded.ID)
	require.NoError(t, err)
	c, err := m.Get(cancelled.ID)
	require.NoError(t, err)

	assert.Equal(t, WorkflowDiscarded, d.Status)
	assert.Equal(t, WorkflowCancelled, c.Status)
	assert.NotEqual(t, d.Status, c.Status)
	assert.Empty(t, c.DiscardReason)

	// Both are terminal: no further transitions.
	_, err = m.Advance(ctx, d.ID)
	assert.Equal(t, ErrInvalidTransition, types.CodeOf(err))
	err = m.Cancel(c.ID)
	assert.Equal(t, ErrInvalidTransition, types.CodeOf(err))
}

func TestPauseAndResume(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	w, err := m.Create(ctx, "gated", "req-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.SatisfyGate(w.ID, 0, "reviewer"))

	require.NoError(t, m.Pause(w.ID))

	// A paused workflow does not advance, even with a satisfied gate.
	_, err = m.Advance(ctx, w.ID)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidTransition, types.CodeOf(err))

	// Pause is not reentrant.
	err = m.Pause(w.ID)
	assert.Equal(t, ErrInvalidTransition, types.CodeOf(err))

	require.NoError(t, m.Resume(w.ID))
	_, err = m.Advance(ctx, w.ID)
	assert.NoError(t, err)
}

func TestReworkResetsGatesFromStageOnward(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	w, err := m.Create(ctx, "gated", "req-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.SatisfyGate(w.ID, 0, "reviewer"))
	_, err = m.Advance(ctx, w.ID)
	require.NoError(t, err)
	_, err = m.Advance(ctx, w.ID)
	require.NoError(t, err)

	w, err = m.Get(w.ID)
	require.NoError(t, err)
	require.Equal(t, 2, w.CurrentStage)

	require.NoError(t, m.Rework(ctx, w.ID, 1))

	w, err = m.Get(w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, w.CurrentStage)
	assert.Equal(t, StageActive, w.Stages[1].Status)
	assert.Equal(t, StagePending, w.Stages[2].Status)

	// Stage 1's auto gate re-satisfies on activation; stage 2's does not.
	assert.True(t, w.Stages[1].Gate.Satisfied)
	assert.False(t, w.Stages[2].Gate.Satisfied)

	// The stage before the rework point keeps its record.
	assert.Equal(t, StageCompleted, w.Stages[0].Status)
	assert.True(t, w.Stages[0].Gate.Satisfied)
}

func TestReworkRejectsFutureStage(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	w, err := m.Create(ctx, "gated", "req-1", nil)
	require.NoError(t, err)

	err = m.Rework(ctx, w.ID, 2)
	require.Error(t, err)
	assert.Equal(t, ErrStageIndex, types.CodeOf(err))
}

func TestAgentStageInvokesLauncher(t *testing.T) {
	store, err := NewTemplateStore()
	require.NoError(t, err)
	require.NoError(t, store.addYAML([]byte(gatedTemplate), "gated (test)"))

	var launched []string
	m := NewManager(ManagerDeps{
		Templates: store,
		Launcher: func(ctx context.Context, w *Workflow, stage *WorkflowStage) error {
			launched = append(launched, stage.Name)
			return nil
		},
	})

	ctx := context.Background()
	w, err := m.Create(ctx, "gated", "req-1", nil)
	require.NoError(t, err)

	// Stage 0 is human_approval: no launch yet.
	assert.Empty(t, launched)

	require.NoError(t, m.SatisfyGate(w.ID, 0, "reviewer"))
	_, err = m.Advance(ctx, w.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"build"}, launched)
}

func TestOnEnterHooksPostMessageAndEmitEvent(t *testing.T) {
	m, bus := newTestManager(t, hookedTemplate)

	emitted, cleanup := bus.Subscribe(events.Filter{
		Types: []events.EventType{events.EventHookEmitted},
	}, 1)
	defer cleanup()

	w, err := m.Create(context.Background(), "hooked", "req-0099", nil)
	require.NoError(t, err)

	require.Len(t, w.Messages, 1)
	assert.Equal(t, "hook", w.Messages[0].From)
	assert.Equal(t, "Starting work on req-0099.", w.Messages[0].Text)

	select {
	case e := <-emitted:
		assert.Equal(t, w.ID, e.WorkflowID)
		assert.Equal(t, "stage_announced", e.Payload["name"])
	case <-time.After(time.Second):
		t.Fatal("expected a hook emitted event")
	}
}

func TestChainIDVariableBindsWorkflow(t *testing.T) {
	m, _ := newTestManager(t)

	chainID := types.NewID()
	w, err := m.Create(context.Background(), "gated", "req-1", map[string]string{
		"chain_id": chainID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, chainID, w.ChainID)
}

func TestCreateFromBuiltinTemplates(t *testing.T) {
	m, _ := newTestManager(t)

	for _, name := range []string{"standard", "hotfix", "ideation", "documentation", "audit"} {
		w, err := m.Create(context.Background(), name, "req-1", nil)
		require.NoError(t, err, "template %s", name)
		assert.Equal(t, WorkflowActive, w.Status)
		assert.NotNil(t, w.ActiveStage())
	}
}
