package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jlneal/choragen/internal/events"
	"github.com/jlneal/choragen/internal/governance"
	"github.com/jlneal/choragen/internal/llm"
	"github.com/jlneal/choragen/internal/types"
)

const (
	defaultMaxTurns        = 50
	defaultApprovalTimeout = 5 * time.Minute
)

// Runner drives agent sessions through the provider-agnostic tool-calling
// loop. One Runner serves many sessions; per-session state lives in the
// AgentSession it persists after every turn.
type Runner struct {
	registry   *governance.Registry
	authorizer *governance.Authorizer
	providers  *llm.Registry
	tracker    *llm.UsageTracker
	persister  Persister
	executor   ToolExecutor
	broker     ApprovalBroker
	bus        *events.Bus
	logger     *slog.Logger
	tracer     trace.Tracer

	retry           RetryPolicy
	maxTurns        int
	approvalTimeout time.Duration
}

// RunnerDeps carries the collaborators a Runner needs. Registry,
// Providers, Persister, and Executor are required; the rest default to
// safe no-op implementations.
type RunnerDeps struct {
	Registry   *governance.Registry
	Authorizer *governance.Authorizer
	Providers  *llm.Registry
	Tracker    *llm.UsageTracker
	Persister  Persister
	Executor   ToolExecutor
	Broker     ApprovalBroker
	Bus        *events.Bus
	Logger     *slog.Logger
	Tracer     trace.Tracer

	Retry           *RetryPolicy
	MaxTurns        int
	ApprovalTimeout time.Duration
}

// NewRunner creates a Runner from its dependencies.
func NewRunner(deps RunnerDeps) *Runner {
	r := &Runner{
		registry:        deps.Registry,
		authorizer:      deps.Authorizer,
		providers:       deps.Providers,
		tracker:         deps.Tracker,
		persister:       deps.Persister,
		executor:        deps.Executor,
		broker:          deps.Broker,
		bus:             deps.Bus,
		logger:          deps.Logger,
		tracer:          deps.Tracer,
		retry:           DefaultRetryPolicy(),
		maxTurns:        defaultMaxTurns,
		approvalTimeout: defaultApprovalTimeout,
	}
	if deps.Retry != nil {
		r.retry = *deps.Retry
	}
	if deps.MaxTurns > 0 {
		r.maxTurns = deps.MaxTurns
	}
	if deps.ApprovalTimeout > 0 {
		r.approvalTimeout = deps.ApprovalTimeout
	}
	if r.tracker == nil {
		r.tracker = llm.NewUsageTracker(nil)
	}
	if r.broker == nil {
		r.broker = RejectAll{}
	}
	if r.bus == nil {
		r.bus = events.NewBus(nil)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Run starts a new session and drives it to a terminal or paused state.
// The returned session is also persisted; the error is non-nil only for
// setup failures, not for sessions that ran and failed (inspect
// Session.Status and Session.Error for those).
func (r *Runner) Run(ctx context.Context, cfg Config) (*AgentSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	role, err := r.registry.Role(cfg.Role)
	if err != nil {
		return nil, err
	}

	model := cfg.Model
	if model == "" {
		model = role.Model
	}
	if model == "" {
		return nil, types.NewError(ErrSessionInvalidInput,
			fmt.Sprintf("no model configured for role %q", cfg.Role))
	}

	now := time.Now()
	sess := &AgentSession{
		ID:              types.NewID(),
		Role:            cfg.Role,
		Provider:        cfg.Provider,
		Model:           model,
		Status:          StatusRunning,
		SystemPrompt:    role.SystemPrompt,
		Messages:        []llm.Message{llm.NewUserMessage(cfg.Prompt)},
		Budget:          cfg.Budget,
		ChainID:         cfg.ChainID,
		TaskID:          cfg.TaskID,
		StageType:       cfg.StageType,
		RequireApproval: cfg.RequireApproval,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := r.persist(sess); err != nil {
		return nil, err
	}
	r.publish(events.EventSessionStarted, sess, nil)

	return r.loop(ctx, sess, role)
}

// Resume reloads a persisted session and continues the loop from the
// next turn, re-attaching to the same governance and role context.
func (r *Runner) Resume(ctx context.Context, id types.ID) (*AgentSession, error) {
	sess, err := r.persister.LoadSession(id)
	if err != nil {
		return nil, err
	}

	if ok, reason := sess.CanResume(); !ok {
		return nil, types.NewError(ErrSessionNotResumable,
			fmt.Sprintf("session %s cannot resume: %s", id, reason))
	}

	role, err := r.registry.Role(sess.Role)
	if err != nil {
		return nil, err
	}

	// Seed the tracker so ceilings account for pre-restart usage.
	r.tracker.Restore(sess.ID.String(), sess.Usage)

	sess.Status = StatusRunning
	sess.Error = nil
	if err := r.persist(sess); err != nil {
		return nil, err
	}

	r.logger.Info("resuming session",
		"session_id", sess.ID,
		"role", sess.Role,
		"turn", sess.TurnIndex)

	return r.loop(ctx, sess, role)
}

// loop runs turns until a terminal condition. One turn is one provider
// round-trip plus the resolution of every tool call it requested.
func (r *Runner) loop(ctx context.Context, sess *AgentSession, role *governance.Role) (*AgentSession, error) {
	tools, err := r.visibleTools(sess)
	if err != nil {
		return nil, err
	}

	for {
		// Cancellation is observed between turns only; the session pauses
		// cleanly so the work is not lost.
		select {
		case <-ctx.Done():
			sess.Status = StatusPaused
			if err := r.persist(sess); err != nil {
				return sess, err
			}
			r.publish(events.EventSessionPaused, sess, nil)
			return sess, nil
		default:
		}

		// A breached ceiling halts before the next provider call.
		if state, detail := r.tracker.Evaluate(sess.ID.String(), sess.Budget); state == llm.BudgetExceeded {
			r.fail(sess, &SessionError{
				Code:        ErrBudgetExceeded,
				Message:     detail,
				Recoverable: true,
			})
			return sess, nil
		}

		if sess.TurnIndex >= r.maxTurns {
			r.fail(sess, &SessionError{
				Code:        ErrTurnLimit,
				Message:     fmt.Sprintf("turn limit %d reached", r.maxTurns),
				Recoverable: true,
			})
			return sess, nil
		}

		resp, callErr := r.completeWithRetry(ctx, sess, tools)
		if callErr != nil {
			var serr *SessionError
			if types.CodeOf(callErr) == ErrProviderExhausted {
				serr = &SessionError{Code: ErrProviderExhausted, Message: callErr.Error(), Recoverable: true}
			} else {
				serr = &SessionError{Code: ErrProviderFault, Message: callErr.Error(), Recoverable: false}
			}
			r.fail(sess, serr)
			return sess, nil
		}

		record := r.tracker.Record(sess.ID.String(), sess.Provider, sess.Model, resp.Usage)
		sess.Usage = record
		r.warnOnce(sess)

		sess.Messages = append(sess.Messages, resp.Message)

		if !resp.HasToolCalls() {
			sess.Status = StatusCompleted
			sess.TurnIndex++
			if err := r.persist(sess); err != nil {
				return sess, err
			}
			r.publish(events.EventSessionCompleted, sess, map[string]any{
				"turns": sess.TurnIndex,
				"cost":  sess.Usage.TotalCost,
			})
			return sess, nil
		}

		r.resolveToolCalls(ctx, sess, role, resp.Message.ToolCalls)

		sess.TurnIndex++
		if err := r.persist(sess); err != nil {
			return sess, err
		}
	}
}

// resolveToolCalls authorizes and executes each requested call in the
// order the provider returned them, appending a ToolCallRecord and a tool
// result message for every one.
func (r *Runner) resolveToolCalls(ctx context.Context, sess *AgentSession, role *governance.Role, calls []llm.ToolCall) {
	for _, call := range calls {
		rec := ToolCallRecord{
			ID:        call.ID,
			TurnIndex: sess.TurnIndex,
			ToolName:  call.Name,
			Arguments: call.Arguments,
			StartedAt: time.Now(),
		}

		result := r.resolveOne(ctx, sess, role, call, &rec)

		rec.Result = result.Content
		rec.IsError = result.IsError
		rec.CompletedAt = time.Now()
		sess.ToolCalls = append(sess.ToolCalls, rec)
		sess.Messages = append(sess.Messages, llm.NewToolResultMessage(result.ToolCallID, result.Content))
	}
}

// resolveOne produces the tool result for a single call. Denials and
// rejections are terminal for the call only: the synthesized error result
// goes back to the model so it can adapt its plan.
func (r *Runner) resolveOne(ctx context.Context, sess *AgentSession, role *governance.Role, call llm.ToolCall, rec *ToolCallRecord) llm.ToolResult {
	tool, err := r.registry.Tool(call.Name)
	if err != nil {
		rec.Verdict = governance.Deny(fmt.Sprintf("unknown tool %q", call.Name))
		return llm.NewToolError(call.ID, rec.Verdict.Reason)
	}

	verdict := r.authorizer.AuthorizeCall(role, tool, pathArgument(call), sess.ChainID)
	rec.Verdict = verdict

	if verdict.Denied() {
		r.logger.Info("tool call denied",
			"session_id", sess.ID,
			"tool", call.Name,
			"reason", verdict.Reason)
		return llm.NewToolError(call.ID, "authorization denied: "+verdict.Reason)
	}

	// The stricter requirement wins: a sensitive tool needs a checkpoint
	// in checkpoint mode even when governance already allowed the call.
	needsCheckpoint := verdict.Decision == governance.DecisionRequiresApproval ||
		(tool.Sensitive && sess.RequireApproval)

	if needsCheckpoint {
		approved := r.checkpoint(ctx, sess, call, verdict.Reason)
		if !approved {
			return llm.NewToolError(call.ID,
				fmt.Sprintf("tool call %q was not approved", call.Name))
		}
	}

	rec.Executed = true
	output, execErr := r.executor.Execute(call)
	if execErr != nil {
		return llm.NewToolError(call.ID, fmt.Sprintf("tool execution failed: %v", execErr))
	}
	return llm.NewToolResult(call.ID, output)
}

// checkpoint pauses at a sensitive call and asks the broker for a human
// decision, bounded by the approval timeout. No answer in time is a
// rejection.
func (r *Runner) checkpoint(ctx context.Context, sess *AgentSession, call llm.ToolCall, reason string) bool {
	req := ApprovalRequest{
		SessionID: sess.ID,
		ToolName:  call.Name,
		Arguments: call.Arguments,
		Reason:    reason,
	}
	r.publish(events.EventApprovalRequested, sess, map[string]any{
		"tool": call.Name,
	})

	brokerCtx, cancel := context.WithTimeout(ctx, r.approvalTimeout)
	defer cancel()

	approved, err := r.broker.RequestApproval(brokerCtx, req)
	if err != nil {
		r.logger.Warn("approval request failed, treating as rejection",
			"session_id", sess.ID,
			"tool", call.Name,
			"error", err)
		approved = false
	}

	r.publish(events.EventApprovalResolved, sess, map[string]any{
		"tool":     call.Name,
		"approved": approved,
	})
	return approved
}

// completeWithRetry calls the provider, retrying transient failures with
// exponential backoff up to the attempt ceiling. Non-transient errors
// return immediately.
func (r *Runner) completeWithRetry(ctx context.Context, sess *AgentSession, tools []llm.ToolDef) (*llm.CompletionResponse, error) {
	provider, err := r.providers.Get(sess.Provider)
	if err != nil {
		return nil, err
	}

	req := llm.CompletionRequest{
		Model:        sess.Model,
		Messages:     sess.Messages,
		SystemPrompt: sess.SystemPrompt,
	}

	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "session.turn")
		defer span.End()
	}

	var lastErr error
	for attempt := 0; attempt <= r.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.retry.CalculateDelay(attempt - 1)
			r.logger.Info("retrying provider call",
				"session_id", sess.ID,
				"attempt", attempt,
				"delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, types.WrapError(ErrProviderFault, "cancelled while waiting to retry", ctx.Err())
			}
		}

		resp, callErr := provider.CompleteWithTools(ctx, req, tools)
		if callErr == nil {
			return resp, nil
		}

		lastErr = callErr
		if !llm.IsRetryable(callErr) {
			return nil, callErr
		}
	}

	return nil, types.WrapError(ErrProviderExhausted,
		fmt.Sprintf("provider call failed after %d attempts", r.retry.MaxRetries+1), lastErr)
}

// visibleTools computes the tool definitions offered to the model for
// this session's role and stage type.
func (r *Runner) visibleTools(sess *AgentSession) ([]llm.ToolDef, error) {
	defs, err := r.registry.ToolsFor(sess.Role, sess.StageType)
	if err != nil {
		return nil, err
	}
	tools := make([]llm.ToolDef, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, llm.ToolDef{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return tools, nil
}

// warnOnce emits the budget warning event the first time usage crosses
// the warning threshold.
func (r *Runner) warnOnce(sess *AgentSession) {
	if sess.BudgetWarned {
		return
	}
	state, detail := r.tracker.Evaluate(sess.ID.String(), sess.Budget)
	if state == llm.BudgetOK {
		return
	}
	sess.BudgetWarned = true
	r.logger.Warn("session budget warning", "session_id", sess.ID, "detail", detail)
	r.publish(events.EventBudgetWarning, sess, map[string]any{"detail": detail})
}

// fail marks the session failed with a terminal error and persists it.
func (r *Runner) fail(sess *AgentSession, serr *SessionError) {
	sess.Status = StatusFailed
	sess.Error = serr
	if err := r.persist(sess); err != nil {
		r.logger.Error("failed to persist failed session",
			"session_id", sess.ID, "error", err)
	}
	r.logger.Error("session failed",
		"session_id", sess.ID,
		"code", serr.Code,
		"recoverable", serr.Recoverable,
		"message", serr.Message)
	r.publish(events.EventSessionFailed, sess, map[string]any{
		"code":        string(serr.Code),
		"recoverable": serr.Recoverable,
	})
}

func (r *Runner) persist(sess *AgentSession) error {
	sess.UpdatedAt = time.Now()
	if r.persister == nil {
		return nil
	}
	return r.persister.SaveSession(sess)
}

func (r *Runner) publish(eventType events.EventType, sess *AgentSession, payload map[string]any) {
	event := events.NewEvent(eventType, payload)
	event.SessionID = sess.ID
	_ = r.bus.Publish(event)
}

// pathArgument extracts the target path from a tool call's arguments for
// governance pattern matching. Tools that take no path yield "".
func pathArgument(call llm.ToolCall) string {
	if call.Arguments == "" {
		return ""
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return ""
	}
	for _, key := range []string{"path", "file_path", "target"} {
		if v, ok := args[key].(string); ok {
			return v
		}
	}
	return ""
}
