package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jlneal/choragen/internal/events"
	"github.com/jlneal/choragen/internal/types"
)

// AgentLauncher schedules an agent session for an activated agent-type
// stage. Wired by the caller to the session runner; nil disables
// scheduling (the stage still activates and can be driven externally).
type AgentLauncher func(ctx context.Context, w *Workflow, stage *WorkflowStage) error

// Manager owns workflows: it is the only component that mutates them.
// All operations are serialized behind one mutex, which also satisfies
// the per-workflow persistence ordering guarantee.
type Manager struct {
	mu sync.Mutex

	workflows map[types.ID]*Workflow
	templates *TemplateStore
	persister Persister
	hooks     *HookRunner
	launcher  AgentLauncher
	bus       *events.Bus
	logger    *slog.Logger
	tracer    trace.Tracer
}

// ManagerDeps carries the Manager's collaborators.
type ManagerDeps struct {
	Templates *TemplateStore
	Persister Persister
	Hooks     *HookRunner
	Launcher  AgentLauncher
	Bus       *events.Bus
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

// NewManager creates a Manager.
func NewManager(deps ManagerDeps) *Manager {
	m := &Manager{
		workflows: make(map[types.ID]*Workflow),
		templates: deps.Templates,
		persister: deps.Persister,
		hooks:     deps.Hooks,
		launcher:  deps.Launcher,
		bus:       deps.Bus,
		logger:    deps.Logger,
		tracer:    deps.Tracer,
	}
	if m.bus == nil {
		m.bus = events.NewBus(nil)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.hooks == nil {
		m.hooks = NewHookRunner(m.bus, m.logger)
	}
	return m
}

// Create instantiates the named template against a request. Stage 0
// becomes active immediately, its gate initialized, onEnter hooks fired,
// and an agent stage scheduled through the launcher.
func (m *Manager) Create(ctx context.Context, templateName, requestID string, vars map[string]string) (*Workflow, error) {
	tpl, err := m.templates.Get(templateName)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	w := &Workflow{
		ID:        types.NewID(),
		Template:  tpl.Name,
		RequestID: requestID,
		Status:    WorkflowActive,
		Variables: map[string]string{
			"request_id": requestID,
			"template":   tpl.Name,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	w.Variables["workflow_id"] = w.ID.String()
	for k, v := range vars {
		w.Variables[k] = v
	}
	if chain, ok := w.Variables["chain_id"]; ok {
		if id, err := types.ParseID(chain); err == nil {
			w.ChainID = id
		}
	}

	w.Stages = make([]WorkflowStage, len(tpl.Stages))
	for i, st := range tpl.Stages {
		w.Stages[i] = WorkflowStage{
			Name:       st.Name,
			Type:       st.Type,
			Role:       st.Role,
			Status:     StagePending,
			InitPrompt: st.InitPrompt,
			Gate:       StageGate{Type: st.Gate, Options: st.GateOptions},
			OnEnter:    st.OnEnter,
			OnExit:     st.OnExit,
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.workflows[w.ID] = w
	m.activateStage(ctx, w, 0)
	if err := m.persist(w); err != nil {
		delete(m.workflows, w.ID)
		return nil, err
	}

	m.logger.Info("workflow created",
		"workflow_id", w.ID,
		"template", w.Template,
		"request_id", w.RequestID)
	m.publish(events.EventWorkflowCreated, w, nil)
	return w, nil
}

// Advance moves the workflow past its active stage. It fails with
// WORKFLOW_GATE_UNSATISFIED when the stage's gate is not satisfied,
// leaving state unchanged.
func (m *Manager) Advance(ctx context.Context, id types.ID) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.getLocked(id)
	if err != nil {
		return nil, err
	}
	if w.Status != WorkflowActive {
		return nil, types.NewError(ErrInvalidTransition,
			fmt.Sprintf("workflow %s is %s, not active", id, w.Status))
	}

	stage := &w.Stages[w.CurrentStage]
	if !stage.Gate.Satisfied {
		return nil, types.NewError(ErrGateUnsatisfied,
			fmt.Sprintf("stage %q gate (%s) is not satisfied", stage.Name, stage.Gate.Type))
	}

	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.Start(ctx, "workflow.advance")
		defer span.End()
	}

	stage.Status = StageCompleted
	m.hooks.RunAll(ctx, w, stage.OnExit)

	next := w.CurrentStage + 1
	if next >= len(w.Stages) {
		w.Status = WorkflowCompleted
		w.CurrentStage = next
		if err := m.persist(w); err != nil {
			return nil, err
		}
		m.logger.Info("workflow completed", "workflow_id", w.ID)
		m.publish(events.EventWorkflowCompleted, w, nil)
		return w, nil
	}

	m.activateStage(ctx, w, next)
	if err := m.persist(w); err != nil {
		return nil, err
	}

	m.logger.Info("workflow advanced",
		"workflow_id", w.ID,
		"stage", w.Stages[next].Name)
	m.publish(events.EventWorkflowAdvanced, w, map[string]any{
		"stage": w.Stages[next].Name,
	})
	return w, nil
}

// SatisfyGate marks a stage's gate satisfied. Idempotent: satisfying an
// already-satisfied gate changes nothing and does not error. This is the
// only way a human_approval gate transitions.
func (m *Manager) SatisfyGate(id types.ID, stageIndex int, satisfiedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if stageIndex < 0 || stageIndex >= len(w.Stages) {
		return types.NewError(ErrStageIndex,
			fmt.Sprintf("workflow %s has no stage %d", id, stageIndex))
	}

	gate := &w.Stages[stageIndex].Gate
	if gate.Satisfied {
		return nil
	}
	gate.Satisfy(satisfiedBy)

	if err := m.persist(w); err != nil {
		return err
	}
	m.publish(events.EventGateSatisfied, w, map[string]any{
		"stage":        w.Stages[stageIndex].Name,
		"satisfied_by": satisfiedBy,
	})
	return nil
}

// Discard terminates a workflow as a rejected idea. A reason is required
// and recorded; discard and cancel are distinct terminal states.
func (m *Manager) Discard(id types.ID, reason string) error {
	if reason == "" {
		return types.NewError(ErrReasonRequired, "discard requires a reason")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if w.Status.IsTerminal() {
		return types.NewError(ErrInvalidTransition,
			fmt.Sprintf("workflow %s is already %s", id, w.Status))
	}

	w.Status = WorkflowDiscarded
	w.DiscardReason = reason
	w.PostMessage("system", "discarded: "+reason)

	if err := m.persist(w); err != nil {
		return err
	}
	m.logger.Info("workflow discarded", "workflow_id", w.ID, "reason", reason)
	m.publish(events.EventWorkflowDiscarded, w, map[string]any{"reason": reason})
	return nil
}

// Cancel aborts a workflow mid-execution. No reason is required.
func (m *Manager) Cancel(id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if w.Status.IsTerminal() {
		return types.NewError(ErrInvalidTransition,
			fmt.Sprintf("workflow %s is already %s", id, w.Status))
	}

	w.Status = WorkflowCancelled
	if err := m.persist(w); err != nil {
		return err
	}
	m.logger.Info("workflow cancelled", "workflow_id", w.ID)
	m.publish(events.EventWorkflowCancelled, w, nil)
	return nil
}

// Pause suspends an active workflow without altering stage position.
func (m *Manager) Pause(id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if w.Status != WorkflowActive {
		return types.NewError(ErrInvalidTransition,
			fmt.Sprintf("cannot pause workflow %s in status %s", id, w.Status))
	}
	w.Status = WorkflowPaused
	return m.persist(w)
}

// Resume returns a paused workflow to active. Resume is the only
// transition out of paused besides cancellation.
func (m *Manager) Resume(id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if w.Status != WorkflowPaused {
		return types.NewError(ErrInvalidTransition,
			fmt.Sprintf("cannot resume workflow %s in status %s", id, w.Status))
	}
	w.Status = WorkflowActive
	return m.persist(w)
}

// Rework re-activates an earlier stage. Stages after it return to
// pending and the re-activated stage's gate resets, so it must be
// satisfied again before the workflow can advance past it.
func (m *Manager) Rework(ctx context.Context, id types.ID, stageIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if w.Status != WorkflowActive {
		return types.NewError(ErrInvalidTransition,
			fmt.Sprintf("workflow %s is %s, not active", id, w.Status))
	}
	if stageIndex < 0 || stageIndex > w.CurrentStage || stageIndex >= len(w.Stages) {
		return types.NewError(ErrStageIndex,
			fmt.Sprintf("cannot rework stage %d of workflow %s", stageIndex, id))
	}

	for i := stageIndex; i < len(w.Stages); i++ {
		w.Stages[i].Status = StagePending
		w.Stages[i].Gate.Reset()
	}
	m.activateStage(ctx, w, stageIndex)
	return m.persist(w)
}

// Get returns a workflow, loading it from persistence if it is not in
// memory (e.g. after a restart).
func (m *Manager) Get(id types.ID) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

// List returns all persisted workflows.
func (m *Manager) List() ([]*Workflow, error) {
	if m.persister == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		out := make([]*Workflow, 0, len(m.workflows))
		for _, w := range m.workflows {
			out = append(out, w)
		}
		return out, nil
	}
	return m.persister.ListWorkflows()
}

// activateStage marks a stage active, renders its init prompt, fires its
// onEnter hooks, and schedules an agent session for agent-type stages.
// Must be called with the manager mutex held.
func (m *Manager) activateStage(ctx context.Context, w *Workflow, index int) {
	w.CurrentStage = index
	stage := &w.Stages[index]
	stage.Status = StageActive

	vars := map[string]string{"stage_name": stage.Name}
	for k, v := range w.Variables {
		vars[k] = v
	}
	stage.InitPrompt = Interpolate(stage.InitPrompt, vars, m.logger)

	// Auto gates hold nothing back; they satisfy on activation.
	if stage.Gate.Type == GateAuto {
		stage.Gate.Satisfy("auto")
	}

	m.hooks.RunAll(ctx, w, stage.OnEnter)

	if stage.Type == StageTypeAgent && m.launcher != nil {
		if err := m.launcher(ctx, w, stage); err != nil {
			m.logger.Error("failed to launch agent for stage",
				"workflow_id", w.ID,
				"stage", stage.Name,
				"error", err)
		}
	}
}

// getLocked returns the workflow, consulting persistence on a miss.
// Must be called with the manager mutex held.
func (m *Manager) getLocked(id types.ID) (*Workflow, error) {
	if w, ok := m.workflows[id]; ok {
		return w, nil
	}
	if m.persister == nil {
		return nil, types.NewError(ErrWorkflowNotFound,
			fmt.Sprintf("workflow %s not found", id))
	}
	w, err := m.persister.LoadWorkflow(id)
	if err != nil {
		return nil, err
	}
	m.workflows[id] = w
	return w, nil
}

// persist writes the workflow. Must be called with the manager mutex
// held so writes to one workflow are never concurrent.
func (m *Manager) persist(w *Workflow) error {
	w.UpdatedAt = time.Now()
	if m.persister == nil {
		return nil
	}
	return m.persister.SaveWorkflow(w)
}

func (m *Manager) publish(eventType events.EventType, w *Workflow, payload map[string]any) {
	event := events.NewEvent(eventType, payload)
	event.WorkflowID = w.ID
	_ = m.bus.Publish(event)
}
