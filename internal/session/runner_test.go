package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlneal/choragen/internal/events"
	"github.com/jlneal/choragen/internal/governance"
	"github.com/jlneal/choragen/internal/llm"
	"github.com/jlneal/choragen/internal/llm/providers"
	"github.com/jlneal/choragen/internal/types"
)

// memPersister round-trips sessions through JSON so tests exercise the
// same serialization the file store uses.
type memPersister struct {
	mu    sync.Mutex
	saved map[types.ID][]byte
}

func newMemPersister() *memPersister {
	return &memPersister{saved: make(map[types.ID][]byte)}
}

func (m *memPersister) SaveSession(s *AgentSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[s.ID] = data
	return nil
}

func (m *memPersister) LoadSession(id types.ID) (*AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.saved[id]
	if !ok {
		return nil, types.NewError(ErrSessionNotFound, "session not found")
	}
	var s AgentSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// testHarness bundles a runner with its collaborators for inspection.
type testHarness struct {
	runner    *Runner
	mock      *providers.MockProvider
	persister *memPersister
	bus       *events.Bus
	registry  *governance.Registry
	executed  []string
}

func newHarness(t *testing.T, mock *providers.MockProvider, opts func(*RunnerDeps)) *testHarness {
	t.Helper()

	registry := governance.NewRegistry()
	require.NoError(t, registry.RegisterTool(governance.ToolDefinition{
		Name:        "noop",
		Description: "Do nothing",
	}))
	require.NoError(t, registry.RegisterTool(governance.ToolDefinition{
		Name:        "write_file",
		Description: "Write a file",
		Mutating:    true,
	}))
	require.NoError(t, registry.RegisterTool(governance.ToolDefinition{
		Name:        "close_request",
		Description: "Close a request",
		Sensitive:   true,
	}))
	require.NoError(t, registry.RegisterRole(governance.Role{
		Name:  "developer",
		Model: "test-model",
		Tools: []string{"noop", "write_file", "close_request"},
		Rules: []governance.Rule{
			{Action: "write_file", Pattern: "src/secrets/**", Effect: governance.EffectDeny},
			{Action: "*", Pattern: "**", Effect: governance.EffectAllow},
		},
	}))

	providerRegistry := llm.NewRegistry()
	require.NoError(t, providerRegistry.Register(mock))

	pricing := llm.NewPricingConfig()
	pricing.SetPricing("mock", "test-model", llm.ModelPricing{InputPer1M: 1.0, OutputPer1M: 1.0})

	h := &testHarness{
		mock:      mock,
		persister: newMemPersister(),
		bus:       events.NewBus(nil),
		registry:  registry,
	}

	retry := RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}
	deps := RunnerDeps{
		Registry:   registry,
		Authorizer: governance.NewAuthorizer(registry, nil),
		Providers:  providerRegistry,
		Tracker:    llm.NewUsageTracker(pricing),
		Persister:  h.persister,
		Executor: ExecutorFunc(func(call llm.ToolCall) (string, error) {
			h.executed = append(h.executed, call.Name)
			return "ok", nil
		}),
		Broker:          ApproveAll{},
		Bus:             h.bus,
		Retry:           &retry,
		ApprovalTimeout: 50 * time.Millisecond,
	}
	if opts != nil {
		opts(&deps)
	}
	h.runner = NewRunner(deps)
	return h
}

func devConfig() Config {
	return Config{
		Role:     "developer",
		Provider: "mock",
		Prompt:   "do the work",
	}
}

func toolTurn(name, args string, outputTokens int) providers.MockTurn {
	return providers.MockTurn{
		ToolCalls: []llm.ToolCall{{ID: types.NewID().String(), Name: name, Arguments: args}},
		Usage:     llm.TokenUsage{OutputTokens: outputTokens},
	}
}

func TestRunCompletesWithoutToolCalls(t *testing.T) {
	mock := providers.NewMockProvider(providers.MockTurn{Content: "all done"})
	h := newHarness(t, mock, nil)

	sess, err := h.runner.Run(context.Background(), devConfig())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, sess.Status)
	assert.Equal(t, "all done", sess.FinalText())
	assert.Equal(t, 1, sess.TurnIndex)
	assert.Empty(t, sess.ToolCalls)

	// The terminal state is persisted.
	loaded, err := h.persister.LoadSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
}

func TestToolCallsExecuteInProviderOrder(t *testing.T) {
	mock := providers.NewMockProvider(
		providers.MockTurn{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "noop", Arguments: `{}`},
			{ID: "c2", Name: "write_file", Arguments: `{"path":"src/main.go"}`},
		}},
		providers.MockTurn{Content: "finished"},
	)
	h := newHarness(t, mock, nil)

	sess, err := h.runner.Run(context.Background(), devConfig())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, sess.Status)
	assert.Equal(t, []string{"noop", "write_file"}, h.executed)

	require.Len(t, sess.ToolCalls, 2)
	assert.Equal(t, "c1", sess.ToolCalls[0].ID)
	assert.True(t, sess.ToolCalls[0].Executed)
	assert.Equal(t, governance.DecisionAllow, sess.ToolCalls[0].Verdict.Decision)
	assert.Equal(t, "ok", sess.ToolCalls[1].Result)

	// Each resolved call feeds a tool result message back.
	var toolMessages int
	for _, msg := range sess.Messages {
		if msg.Role == llm.RoleTool {
			toolMessages++
		}
	}
	assert.Equal(t, 2, toolMessages)
}

func TestDeniedCallIsSynthesizedNotExecuted(t *testing.T) {
	mock := providers.NewMockProvider(
		toolTurn("write_file", `{"path":"src/secrets/keys.env"}`, 0),
		providers.MockTurn{Content: "adjusted plan"},
	)
	h := newHarness(t, mock, nil)

	sess, err := h.runner.Run(context.Background(), devConfig())
	require.NoError(t, err)

	// The denial is terminal for the call, not the session.
	assert.Equal(t, StatusCompleted, sess.Status)
	assert.Empty(t, h.executed)

	require.Len(t, sess.ToolCalls, 1)
	rec := sess.ToolCalls[0]
	assert.Equal(t, governance.DecisionDeny, rec.Verdict.Decision)
	assert.False(t, rec.Executed)
	assert.True(t, rec.IsError)
	assert.Contains(t, rec.Result, "authorization denied")
}

func TestUnknownToolIsDenied(t *testing.T) {
	mock := providers.NewMockProvider(
		toolTurn("launch_rockets", `{}`, 0),
		providers.MockTurn{Content: "ok"},
	)
	h := newHarness(t, mock, nil)

	sess, err := h.runner.Run(context.Background(), devConfig())
	require.NoError(t, err)

	require.Len(t, sess.ToolCalls, 1)
	assert.Equal(t, governance.DecisionDeny, sess.ToolCalls[0].Verdict.Decision)
	assert.Empty(t, h.executed)
}

func TestCostCeilingWarnsThenHalts(t *testing.T) {
	// $1/1M output tokens: turns cost 0.30, 0.30, 0.22, 0.23. Usage is
	// 0.82 after turn 3 (warning, loop continues) and 1.05 after turn 4
	// (hard stop before the next provider call).
	mock := providers.NewMockProvider(
		toolTurn("noop", `{}`, 300_000),
		toolTurn("noop", `{}`, 300_000),
		toolTurn("noop", `{}`, 220_000),
		toolTurn("noop", `{}`, 230_000),
		toolTurn("noop", `{}`, 100_000),
	)
	h := newHarness(t, mock, nil)

	warnings, cleanup := h.bus.Subscribe(events.Filter{
		Types: []events.EventType{events.EventBudgetWarning},
	}, 10)
	defer cleanup()

	cfg := devConfig()
	cfg.Budget = llm.Budget{MaxCost: 1.00}

	sess, err := h.runner.Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, sess.Status)
	require.NotNil(t, sess.Error)
	assert.Equal(t, ErrBudgetExceeded, sess.Error.Code)
	assert.True(t, sess.Error.Recoverable)

	// The fifth turn was never attempted.
	assert.Equal(t, 4, mock.CallCount)
	assert.InDelta(t, 1.05, sess.Usage.TotalCost, 1e-9)

	// Exactly one warning event.
	assert.Len(t, drain(warnings), 1)
}

func TestRetryThenFailIncludesAttemptCount(t *testing.T) {
	mock := providers.NewMockProvider()
	mock.Err = llm.NewRateLimitError("mock")
	h := newHarness(t, mock, nil)

	sess, err := h.runner.Run(context.Background(), devConfig())
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, sess.Status)
	require.NotNil(t, sess.Error)
	assert.Equal(t, ErrProviderExhausted, sess.Error.Code)
	assert.True(t, sess.Error.Recoverable)
	assert.Contains(t, sess.Error.Message, "3 attempts")

	// MaxRetries=2 means three total attempts; the fourth never happens.
	assert.Equal(t, 3, mock.CallCount)
}

func TestNonTransientErrorFailsImmediately(t *testing.T) {
	mock := providers.NewMockProvider()
	mock.Err = llm.NewAuthError("mock", nil)
	h := newHarness(t, mock, nil)

	sess, err := h.runner.Run(context.Background(), devConfig())
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, sess.Status)
	require.NotNil(t, sess.Error)
	assert.Equal(t, ErrProviderFault, sess.Error.Code)
	assert.False(t, sess.Error.Recoverable)
	assert.Equal(t, 1, mock.CallCount)
}

func TestCheckpointRejectionReturnsResultToModel(t *testing.T) {
	mock := providers.NewMockProvider(
		toolTurn("close_request", `{}`, 0),
		providers.MockTurn{Content: "understood"},
	)
	h := newHarness(t, mock, func(deps *RunnerDeps) {
		deps.Broker = RejectAll{}
	})

	cfg := devConfig()
	cfg.RequireApproval = true

	sess, err := h.runner.Run(context.Background(), cfg)
	require.NoError(t, err)

	// Rejection does not abort the session.
	assert.Equal(t, StatusCompleted, sess.Status)
	assert.Empty(t, h.executed)
	require.Len(t, sess.ToolCalls, 1)
	assert.True(t, sess.ToolCalls[0].IsError)
	assert.Contains(t, sess.ToolCalls[0].Result, "not approved")
}

func TestCheckpointApprovalExecutes(t *testing.T) {
	mock := providers.NewMockProvider(
		toolTurn("close_request", `{}`, 0),
		providers.MockTurn{Content: "done"},
	)
	h := newHarness(t, mock, func(deps *RunnerDeps) {
		deps.Broker = ApproveAll{}
	})

	cfg := devConfig()
	cfg.RequireApproval = true

	sess, err := h.runner.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"close_request"}, h.executed)
	assert.True(t, sess.ToolCalls[0].Executed)
}

func TestCheckpointTimeoutIsRejection(t *testing.T) {
	mock := providers.NewMockProvider(
		toolTurn("close_request", `{}`, 0),
		providers.MockTurn{Content: "done"},
	)
	h := newHarness(t, mock, func(deps *RunnerDeps) {
		deps.ApprovalTimeout = 10 * time.Millisecond
		deps.Broker = BrokerFunc(func(ctx context.Context, req ApprovalRequest) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		})
	})

	cfg := devConfig()
	cfg.RequireApproval = true

	sess, err := h.runner.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Empty(t, h.executed)
	assert.Contains(t, sess.ToolCalls[0].Result, "not approved")
}

func TestCancellationPausesBetweenTurns(t *testing.T) {
	mock := providers.NewMockProvider(providers.MockTurn{Content: "never reached"})
	h := newHarness(t, mock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sess, err := h.runner.Run(ctx, devConfig())
	require.NoError(t, err)

	assert.Equal(t, StatusPaused, sess.Status)
	assert.Zero(t, mock.CallCount)

	loaded, err := h.persister.LoadSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, loaded.Status)
}

func TestResumeContinuesPausedSession(t *testing.T) {
	mock := providers.NewMockProvider(
		toolTurn("noop", `{}`, 1000),
		providers.MockTurn{Content: "resumed and finished", Usage: llm.TokenUsage{OutputTokens: 500}},
	)
	h := newHarness(t, mock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	paused, err := h.runner.Run(ctx, devConfig())
	require.NoError(t, err)
	require.Equal(t, StatusPaused, paused.Status)

	sess, err := h.runner.Resume(context.Background(), paused.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, sess.Status)
	assert.Equal(t, "resumed and finished", sess.FinalText())
	assert.Equal(t, 1500, sess.Usage.TotalTokens())
}

func TestCompletedSessionCannotResume(t *testing.T) {
	mock := providers.NewMockProvider(providers.MockTurn{Content: "done"})
	h := newHarness(t, mock, nil)

	sess, err := h.runner.Run(context.Background(), devConfig())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, sess.Status)

	_, err = h.runner.Resume(context.Background(), sess.ID)
	require.Error(t, err)
	assert.Equal(t, ErrSessionNotResumable, types.CodeOf(err))
}

func TestUnrecoverableFailureCannotResume(t *testing.T) {
	mock := providers.NewMockProvider()
	mock.Err = llm.NewAuthError("mock", nil)
	h := newHarness(t, mock, nil)

	sess, err := h.runner.Run(context.Background(), devConfig())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, sess.Status)

	_, err = h.runner.Resume(context.Background(), sess.ID)
	require.Error(t, err)
	assert.Equal(t, ErrSessionNotResumable, types.CodeOf(err))
}

func TestPersistenceRoundTripAfterEachTurn(t *testing.T) {
	mock := providers.NewMockProvider(
		toolTurn("noop", `{"key":"value"}`, 2000),
		providers.MockTurn{Content: "final answer", Usage: llm.TokenUsage{InputTokens: 100, OutputTokens: 300}},
	)
	h := newHarness(t, mock, nil)

	sess, err := h.runner.Run(context.Background(), devConfig())
	require.NoError(t, err)

	loaded, err := h.persister.LoadSession(sess.ID)
	require.NoError(t, err)

	assert.Equal(t, sess.Messages, loaded.Messages)
	assert.Equal(t, sess.ToolCalls, loaded.ToolCalls)
	assert.Equal(t, sess.Usage, loaded.Usage)
	assert.Equal(t, sess.TurnIndex, loaded.TurnIndex)
}

func TestRunRejectsUnknownRole(t *testing.T) {
	mock := providers.NewMockProvider()
	h := newHarness(t, mock, nil)

	cfg := devConfig()
	cfg.Role = "ghost"

	_, err := h.runner.Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, governance.ErrRoleNotFound, types.CodeOf(err))
}

func TestSessionEventsPublished(t *testing.T) {
	mock := providers.NewMockProvider(providers.MockTurn{Content: "done"})
	h := newHarness(t, mock, nil)

	ch, cleanup := h.bus.Subscribe(events.Filter{}, 10)
	defer cleanup()

	_, err := h.runner.Run(context.Background(), devConfig())
	require.NoError(t, err)

	seen := map[events.EventType]bool{}
	for _, e := range drain(ch) {
		seen[e.Type] = true
	}
	assert.True(t, seen[events.EventSessionStarted])
	assert.True(t, seen[events.EventSessionCompleted])
}

// drain reads everything currently buffered on an event channel.
func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestRetryPolicyDelays(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, time.Second, policy.CalculateDelay(0))
	assert.Equal(t, 2*time.Second, policy.CalculateDelay(1))
	assert.Equal(t, 4*time.Second, policy.CalculateDelay(2))
	// Capped.
	assert.Equal(t, 5*time.Second, policy.CalculateDelay(3))
}

func TestRetryPolicyJitterBounds(t *testing.T) {
	policy := RetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		Jitter:       0.5,
	}

	for i := 0; i < 100; i++ {
		d := policy.CalculateDelay(0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}
