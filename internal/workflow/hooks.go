package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/jlneal/choragen/internal/events"
)

// HookKind tags a hook action variant. The set is closed: adding a kind
// means a constant plus one dispatch arm.
type HookKind string

const (
	HookRunCommand       HookKind = "run_command"
	HookMoveFile         HookKind = "move_file"
	HookTransitionStatus HookKind = "transition_status"
	HookSpawnAgent       HookKind = "spawn_agent"
	HookPostMessage      HookKind = "post_message"
	HookEmitEvent        HookKind = "emit_event"
	HookCustom           HookKind = "custom"
)

// HookAction is one declared side effect on a stage or gate transition.
// Only the fields for its kind are set; the dispatcher matches on Kind.
type HookAction struct {
	Kind HookKind `json:"kind" yaml:"kind"`

	// run_command
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`

	// move_file
	From string `json:"from,omitempty" yaml:"from,omitempty"`
	To   string `json:"to,omitempty" yaml:"to,omitempty"`

	// transition_status
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
	Status string `json:"status,omitempty" yaml:"status,omitempty"`

	// spawn_agent
	Role   string `json:"role,omitempty" yaml:"role,omitempty"`
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`

	// post_message
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// emit_event
	Event string `json:"event,omitempty" yaml:"event,omitempty"`

	// custom
	Handler string `json:"handler,omitempty" yaml:"handler,omitempty"`
}

// StatusTransitioner moves a task or chain to a new status. Implemented
// by the task-tracking collaborator outside the runtime core.
type StatusTransitioner func(target, status string) error

// AgentSpawner starts a nested agent session for a hook.
type AgentSpawner func(ctx context.Context, role, prompt string) error

// CustomHandler is a registered handler for custom hook actions.
type CustomHandler func(ctx context.Context, action HookAction, w *Workflow) error

// HookRunner dispatches hook actions. Hooks are best-effort automation,
// not transactional: a failing hook logs and the transition continues.
type HookRunner struct {
	bus        *events.Bus
	logger     *slog.Logger
	transition StatusTransitioner
	spawn      AgentSpawner
	custom     map[string]CustomHandler
}

// NewHookRunner creates a HookRunner. The transition and spawn callbacks
// may be nil; hooks needing them then fail (and log) when dispatched.
func NewHookRunner(bus *events.Bus, logger *slog.Logger) *HookRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &HookRunner{
		bus:    bus,
		logger: logger,
		custom: make(map[string]CustomHandler),
	}
}

// SetTransitioner wires the status-transition collaborator.
func (h *HookRunner) SetTransitioner(fn StatusTransitioner) {
	h.transition = fn
}

// SetSpawner wires the nested-agent collaborator.
func (h *HookRunner) SetSpawner(fn AgentSpawner) {
	h.spawn = fn
}

// RegisterHandler registers a named custom hook handler.
func (h *HookRunner) RegisterHandler(name string, fn CustomHandler) {
	h.custom[name] = fn
}

// RunAll executes hook actions in declared order. Failures are logged
// and do not abort the remaining hooks or the owning transition.
func (h *HookRunner) RunAll(ctx context.Context, w *Workflow, actions []HookAction) {
	for i, action := range actions {
		if err := h.dispatch(ctx, w, action); err != nil {
			h.logger.Warn("hook failed, continuing",
				"workflow_id", w.ID,
				"hook_index", i,
				"kind", action.Kind,
				"error", err)
		}
	}
}

// dispatch executes one hook action, matching on its kind.
func (h *HookRunner) dispatch(ctx context.Context, w *Workflow, action HookAction) error {
	switch action.Kind {
	case HookRunCommand:
		if action.Command == "" {
			return fmt.Errorf("run_command hook has no command")
		}
		cmd := exec.CommandContext(ctx, action.Command, action.Args...)
		return cmd.Run()

	case HookMoveFile:
		from := Interpolate(action.From, w.Variables, h.logger)
		to := Interpolate(action.To, w.Variables, h.logger)
		if from == "" || to == "" {
			return fmt.Errorf("move_file hook needs from and to")
		}
		return os.Rename(from, to)

	case HookTransitionStatus:
		if h.transition == nil {
			return fmt.Errorf("no status transitioner registered")
		}
		return h.transition(action.Target, action.Status)

	case HookSpawnAgent:
		if h.spawn == nil {
			return fmt.Errorf("no agent spawner registered")
		}
		prompt := Interpolate(action.Prompt, w.Variables, h.logger)
		return h.spawn(ctx, action.Role, prompt)

	case HookPostMessage:
		w.PostMessage("hook", Interpolate(action.Message, w.Variables, h.logger))
		return nil

	case HookEmitEvent:
		if h.bus == nil {
			return fmt.Errorf("no event bus available")
		}
		event := events.NewEvent(events.EventHookEmitted, map[string]any{
			"name": action.Event,
		})
		event.WorkflowID = w.ID
		return h.bus.Publish(event)

	case HookCustom:
		fn, ok := h.custom[action.Handler]
		if !ok {
			return fmt.Errorf("no custom handler registered for %q", action.Handler)
		}
		return fn(ctx, action, w)

	default:
		return fmt.Errorf("unknown hook kind %q", action.Kind)
	}
}
