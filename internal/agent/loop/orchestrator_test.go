package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/itsharex/aeroftp-sub001/internal/agent/approval"
	"github.com/itsharex/aeroftp-sub001/internal/agent/budget"
	"github.com/itsharex/aeroftp-sub001/internal/agent/macro"
	"github.com/itsharex/aeroftp-sub001/internal/agent/model"
	"github.com/itsharex/aeroftp-sub001/internal/agent/ratelimit"
	"github.com/itsharex/aeroftp-sub001/internal/agent/retry"
	"github.com/itsharex/aeroftp-sub001/internal/agent/stream"
	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
	agenterrors "github.com/itsharex/aeroftp-sub001/internal/errors"
)

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, name string, args map[string]any) (tools.Output, error) {
	a := m.Called(name, args)
	return a.Get(0).(tools.Output), a.Error(1)
}

func call(name string, args map[string]any) model.ScriptedCall {
	return model.ScriptedCall{Name: name, Arguments: args}
}

func toolTurn(content string, calls ...model.ScriptedCall) model.ScriptedTurn {
	return model.ScriptedTurn{Content: content, ToolCalls: calls}
}

type fixture struct {
	o        *Orchestrator
	scripted *model.ScriptedService
	exec     *mockExecutor
	registry *tools.Registry

	mu     sync.Mutex
	events []Event
}

func (f *fixture) record(ev Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func newFixture(t *testing.T, turns []model.ScriptedTurn, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		scripted: model.NewScriptedService(turns),
		exec:     &mockExecutor{},
		registry: tools.NewBuiltinRegistry(),
	}
	opts := Options{
		Model:    f.scripted,
		Registry: f.registry,
		Exec:     f.exec,
		OnEvent:  f.record,
		Config: Config{
			MaxConcurrency: 4,
			Retry:          retry.Options{MaxAttempts: 2, BaseDelay: time.Millisecond},
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(opts)
	require.NoError(t, err)
	f.o = o
	return f
}

func lastToolMessage(t *testing.T, conv *Conversation) string {
	t.Helper()
	msgs := conv.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleTool {
			return msgs[i].Content
		}
	}
	t.Fatal("no tool message in conversation")
	return ""
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestRunCompletesWithoutToolCalls(t *testing.T) {
	f := newFixture(t, []model.ScriptedTurn{{Content: "All done."}}, nil)
	conv := f.o.NewConversation(Settings{Provider: "openai", Model: "gpt-4o", Mode: approval.ModeNormal})

	before := testutil.ToFloat64(f.o.metrics.outcomes.WithLabelValues(string(StatusCompleted)))
	out := f.o.Run(context.Background(), conv, "hello")

	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "All done.", out.Answer)
	assert.Equal(t, 1, out.ModelCalls)
	assert.NoError(t, out.Err)
	assert.Equal(t, before+1, testutil.ToFloat64(f.o.metrics.outcomes.WithLabelValues(string(StatusCompleted))))

	require.Len(t, f.scripted.Requests, 1)
	req := f.scripted.Requests[0]
	assert.Equal(t, "openai", req.Provider)
	assert.NotEmpty(t, req.Tools)
	assert.Equal(t, "hello", req.Messages[len(req.Messages)-1].Content)
}

func TestRunExecutesToolsAndFoldsResults(t *testing.T) {
	f := newFixture(t, []model.ScriptedTurn{
		toolTurn("Reading", call("local_read", map[string]any{"path": "/a.txt"})),
		{Content: "The file says hello."},
	}, nil)
	f.exec.On("Execute", "local_read", map[string]any{"path": "/a.txt"}).Return(tools.NewTextOutput("hello"), nil).Once()
	conv := f.o.NewConversation(Settings{Provider: "ollama", Model: "llama3", Mode: approval.ModeNormal})

	out := f.o.Run(context.Background(), conv, "what is in a.txt?")

	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "The file says hello.", out.Answer)
	assert.Equal(t, 2, out.ModelCalls)
	f.exec.AssertExpectations(t)

	folded := lastToolMessage(t, conv)
	assert.True(t, strings.HasPrefix(folded, "[local_read] hello"))
	assert.Contains(t, folded, continuePrompt)

	var types []EventType
	for _, ev := range f.events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventContent, EventToolStart, EventToolEnd, EventContent}, types)
}

func TestStepCeilingStopsTheLoop(t *testing.T) {
	var turns []model.ScriptedTurn
	for i := 0; i < 10; i++ {
		turns = append(turns, toolTurn("", call("local_list", map[string]any{"path": fmt.Sprintf("/dir%d", i)})))
	}
	f := newFixture(t, turns, nil)
	f.exec.On("Execute", "local_list", mock.Anything).Return(tools.NewTextOutput("[]"), nil)
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeSafe})

	out := f.o.Run(context.Background(), conv, "explore")

	assert.Equal(t, StatusMaxSteps, out.Status)
	assert.Contains(t, out.Answer, "Maximum of 5 autonomous steps")
	assert.Equal(t, approval.MaxSteps(approval.ModeSafe), out.ModelCalls)
	assert.Len(t, f.scripted.Requests, 5)
	assert.Equal(t, 5, f.scripted.Remaining())
}

func TestDuplicateBatchStopsTheLoop(t *testing.T) {
	f := newFixture(t, []model.ScriptedTurn{
		toolTurn("", call("local_list", map[string]any{"path": "/a"})),
		toolTurn("Still looking", call("local_list", map[string]any{"path": "/a"})),
		{Content: "never reached"},
	}, nil)
	f.exec.On("Execute", "local_list", mock.Anything).Return(tools.NewTextOutput("a.txt"), nil)
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeNormal})

	out := f.o.Run(context.Background(), conv, "list /a")

	assert.Equal(t, StatusDuplicateLoop, out.Status)
	assert.Equal(t, "Still looking", out.Answer)
	assert.True(t, errors.Is(out.Err, agenterrors.ErrDuplicateCallLoop))
	f.exec.AssertNumberOfCalls(t, "Execute", 1)
	assert.Equal(t, 1, f.scripted.Remaining())
}

func TestDuplicateGuardFallsBackToLastResult(t *testing.T) {
	f := newFixture(t, []model.ScriptedTurn{
		toolTurn("", call("local_list", map[string]any{"path": "/a"})),
		toolTurn("", call("local_list", map[string]any{"path": "/a"})),
	}, nil)
	f.exec.On("Execute", "local_list", mock.Anything).Return(tools.NewTextOutput("a.txt"), nil)
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeNormal})

	out := f.o.Run(context.Background(), conv, "list /a")

	assert.Equal(t, StatusDuplicateLoop, out.Status)
	assert.Equal(t, "a.txt", out.Answer)
}

func TestPartiallyRepeatedBatchStillRuns(t *testing.T) {
	f := newFixture(t, []model.ScriptedTurn{
		toolTurn("", call("local_list", map[string]any{"path": "/a"})),
		toolTurn("", call("local_list", map[string]any{"path": "/a"}), call("local_list", map[string]any{"path": "/b"})),
		{Content: "done"},
	}, nil)
	f.exec.On("Execute", "local_list", mock.Anything).Return(tools.NewTextOutput("ok"), nil)
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeNormal})

	out := f.o.Run(context.Background(), conv, "list")

	assert.Equal(t, StatusCompleted, out.Status)
	f.exec.AssertNumberOfCalls(t, "Execute", 3)
}

func TestBatchNeedingApprovalIsDeferredWhole(t *testing.T) {
	f := newFixture(t, []model.ScriptedTurn{
		toolTurn("Cleaning up",
			call("local_read", map[string]any{"path": "/a"}),
			call("local_delete", map[string]any{"path": "/b"})),
		{Content: "Deleted."},
	}, nil)
	f.exec.On("Execute", "local_read", mock.Anything).Return(tools.NewTextOutput("contents"), nil).Once()
	f.exec.On("Execute", "local_delete", mock.Anything).Return(tools.NewTextOutput("deleted /b"), nil).Once()
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeNormal})

	out := f.o.Run(context.Background(), conv, "clean")

	require.Equal(t, StatusAwaitingApproval, out.Status)
	require.Len(t, out.Pending, 1)
	assert.Equal(t, "local_delete", out.Pending[0].Name)
	assert.NotEmpty(t, out.PendingID)
	f.exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)

	state, ok := f.o.Approvals().Get(out.PendingID)
	require.True(t, ok)
	require.Len(t, state.Auto, 1)
	assert.Equal(t, "local_read", state.Auto[0].Name)
	assert.Equal(t, conv.ID, state.ConversationID)

	resumed := f.o.Resume(context.Background(), conv, out.PendingID, ApproveAll(approval.ApproveOnce))

	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Equal(t, "Deleted.", resumed.Answer)
	assert.Equal(t, 1, resumed.ModelCalls)
	f.exec.AssertExpectations(t)
	assert.False(t, conv.Memory.Has("local_delete"))

	_, err := f.o.Approvals().Take(out.PendingID)
	assert.Error(t, err)
}

func TestResumeWithRejection(t *testing.T) {
	f := newFixture(t, []model.ScriptedTurn{
		toolTurn("", call("local_delete", map[string]any{"path": "/b"})),
		{Content: "Okay, I left it."},
	}, nil)
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeNormal})

	out := f.o.Run(context.Background(), conv, "delete b")
	require.Equal(t, StatusAwaitingApproval, out.Status)

	resumed := f.o.Resume(context.Background(), conv, out.PendingID, Decisions{})
	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Contains(t, lastToolMessage(t, conv), "[local_delete] Failed: Rejected by the user.")
	f.exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	assert.Equal(t, tools.StatusRejected, out.Pending[0].Status)
}

func TestApproveForSessionSkipsLaterPrompts(t *testing.T) {
	f := newFixture(t, []model.ScriptedTurn{
		toolTurn("", call("local_write", map[string]any{"path": "/a", "content": "1"})),
		toolTurn("", call("local_write", map[string]any{"path": "/b", "content": "2"})),
		{Content: "Wrote both."},
	}, nil)
	f.exec.On("Execute", "local_write", mock.Anything).Return(tools.NewTextOutput("written"), nil)
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeNormal})

	out := f.o.Run(context.Background(), conv, "write")
	require.Equal(t, StatusAwaitingApproval, out.Status)

	resumed := f.o.Resume(context.Background(), conv, out.PendingID, Decisions{
		PerCall: map[string]approval.Decision{out.Pending[0].ID: approval.ApproveForSession},
	})
	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.True(t, conv.Memory.Has("local_write"))
	f.exec.AssertNumberOfCalls(t, "Execute", 2)

	fresh := f.o.NewConversation(conv.Settings)
	assert.False(t, fresh.Memory.Has("local_write"))
}

func TestResumeRejectsForeignConversation(t *testing.T) {
	f := newFixture(t, []model.ScriptedTurn{
		toolTurn("", call("local_delete", map[string]any{"path": "/b"})),
	}, nil)
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeNormal})
	out := f.o.Run(context.Background(), conv, "delete")
	require.Equal(t, StatusAwaitingApproval, out.Status)

	other := f.o.NewConversation(conv.Settings)
	resumed := f.o.Resume(context.Background(), other, out.PendingID, ApproveAll(approval.ApproveOnce))
	assert.Equal(t, StatusError, resumed.Status)

	_, stillPending := f.o.Approvals().Get(out.PendingID)
	assert.True(t, stillPending)

	f.o.EndConversation(conv)
	_, stillPending = f.o.Approvals().Get(out.PendingID)
	assert.False(t, stillPending)
}

func TestHighDangerCallsAreNotRetried(t *testing.T) {
	f := newFixture(t, []model.ScriptedTurn{
		toolTurn("", call("local_delete", map[string]any{"path": "/b"})),
		{Content: "It failed."},
	}, nil)
	f.exec.On("Execute", "local_delete", mock.Anything).Return(tools.Output{}, errors.New("connection timeout"))
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeExtreme})

	out := f.o.Run(context.Background(), conv, "delete")

	assert.Equal(t, StatusCompleted, out.Status)
	f.exec.AssertNumberOfCalls(t, "Execute", 1)
	assert.Contains(t, lastToolMessage(t, conv), "[local_delete] Error:")
}

func TestTransientFailuresAreRetried(t *testing.T) {
	f := newFixture(t, []model.ScriptedTurn{
		toolTurn("", call("local_read", map[string]any{"path": "/a"})),
		{Content: "Read it."},
	}, nil)
	f.exec.On("Execute", "local_read", mock.Anything).Return(tools.Output{}, errors.New("connection timeout")).Once()
	f.exec.On("Execute", "local_read", mock.Anything).Return(tools.NewTextOutput("data"), nil).Once()
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeNormal})

	out := f.o.Run(context.Background(), conv, "read")

	assert.Equal(t, StatusCompleted, out.Status)
	f.exec.AssertNumberOfCalls(t, "Execute", 2)
	assert.True(t, strings.HasPrefix(lastToolMessage(t, conv), "[local_read] data"))
}

func TestInvalidAndUnknownCallsAreFoldedWithoutRunning(t *testing.T) {
	f := newFixture(t, []model.ScriptedTurn{
		toolTurn("",
			call("local_read", map[string]any{"path": "../etc/passwd"}),
			call("teleport", map[string]any{})),
		{Content: "Sorry."},
	}, nil)
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeExtreme})

	out := f.o.Run(context.Background(), conv, "read")

	assert.Equal(t, StatusCompleted, out.Status)
	f.exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	folded := lastToolMessage(t, conv)
	assert.Contains(t, folded, "path traversal")
	assert.Contains(t, folded, "[teleport] Error:")
}

type failingValidator struct{}

func (failingValidator) Validate(context.Context, string, map[string]any) (tools.ValidationResult, error) {
	return tools.ValidationResult{}, errors.New("validator offline")
}

func TestValidatorOutageFailsClosed(t *testing.T) {
	f := newFixture(t, []model.ScriptedTurn{
		toolTurn("", call("local_read", map[string]any{"path": "/a"})),
		{Content: "Could not read."},
	}, func(o *Options) { o.Validator = failingValidator{} })
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeExtreme})

	out := f.o.Run(context.Background(), conv, "read")

	assert.Equal(t, StatusCompleted, out.Status)
	f.exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	assert.Contains(t, lastToolMessage(t, conv), "validation unavailable")
}

func TestFallbackToolSyntaxIsExecuted(t *testing.T) {
	f := newFixture(t, []model.ScriptedTurn{
		{Content: "Let me look.\n```tool\n{\"name\": \"local_list\", \"arguments\": {\"path\": \"/\"}}\n```"},
		{Content: "Root has files."},
	}, nil)
	f.exec.On("Execute", "local_list", map[string]any{"path": "/"}).Return(tools.NewTextOutput("etc"), nil).Once()
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeNormal})

	out := f.o.Run(context.Background(), conv, "list root")

	assert.Equal(t, StatusCompleted, out.Status)
	f.exec.AssertExpectations(t)
	msgs := conv.Messages()
	assert.Equal(t, "Let me look.", msgs[1].Content)
	require.Len(t, msgs[1].ToolCalls, 1)
}

func TestRateLimitRejectsBeforeSending(t *testing.T) {
	limiter := ratelimit.New(1, time.Minute)
	f := newFixture(t, []model.ScriptedTurn{{Content: "one"}, {Content: "two"}}, func(o *Options) { o.Limiter = limiter })
	conv := f.o.NewConversation(Settings{Provider: "openai", Mode: approval.ModeNormal})

	require.Equal(t, StatusCompleted, f.o.Run(context.Background(), conv, "first").Status)

	before := testutil.ToFloat64(f.o.metrics.limitRejections.WithLabelValues("rate", "openai"))
	out := f.o.Run(context.Background(), conv, "second")
	assert.Equal(t, StatusRateLimited, out.Status)
	assert.Greater(t, agenterrors.WaitSeconds(out.Err), 0)
	assert.Contains(t, out.Answer, "Rate limit reached for openai")
	assert.Equal(t, 0, out.ModelCalls)
	assert.Len(t, f.scripted.Requests, 1)
	assert.Equal(t, before+1, testutil.ToFloat64(f.o.metrics.limitRejections.WithLabelValues("rate", "openai")))
}

func TestBudgetRejectsBeforeSending(t *testing.T) {
	ledger := budget.NewLedger()
	ledger.SetCap("anthropic", 1)
	ledger.Record(budget.Entry{Provider: "anthropic", CostUSD: 1})
	limiter := ratelimit.New(5, time.Minute)
	f := newFixture(t, []model.ScriptedTurn{{Content: "unused"}}, func(o *Options) {
		o.Ledger = ledger
		o.Limiter = limiter
	})
	conv := f.o.NewConversation(Settings{Provider: "anthropic", Mode: approval.ModeNormal})

	out := f.o.Run(context.Background(), conv, "hi")

	assert.Equal(t, StatusBudgetExceeded, out.Status)
	assert.True(t, errors.Is(out.Err, agenterrors.ErrBudgetExceeded))
	assert.Empty(t, f.scripted.Requests)
	used, _ := limiter.Usage("anthropic")
	assert.Equal(t, 0, used)
}

func TestBudgetCountsPromptEstimate(t *testing.T) {
	// 4000 characters is about 1000 gpt-4o input tokens, $0.0025.
	prompt := strings.Repeat("a", 4000)

	ledger := budget.NewLedger()
	ledger.SetCap("openai", 1)
	ledger.Record(budget.Entry{Provider: "openai", CostUSD: 0.999})
	f := newFixture(t, []model.ScriptedTurn{{Content: "unused"}}, func(o *Options) { o.Ledger = ledger })
	conv := f.o.NewConversation(Settings{Provider: "openai", Model: "gpt-4o", Mode: approval.ModeNormal})

	out := f.o.Run(context.Background(), conv, prompt)
	assert.Equal(t, StatusBudgetExceeded, out.Status)
	assert.Empty(t, f.scripted.Requests)

	roomy := budget.NewLedger()
	roomy.SetCap("openai", 1)
	roomy.Record(budget.Entry{Provider: "openai", CostUSD: 0.99})
	cost := 0.0
	f = newFixture(t, []model.ScriptedTurn{{Content: "fits", CostUSD: &cost}}, func(o *Options) { o.Ledger = roomy })
	conv = f.o.NewConversation(Settings{Provider: "openai", Model: "gpt-4o", Mode: approval.ModeNormal})

	out = f.o.Run(context.Background(), conv, prompt)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "fits", out.Answer)
}

func TestUsageIsRecordedWithEstimateWhenCostMissing(t *testing.T) {
	ledger := budget.NewLedger()
	f := newFixture(t, []model.ScriptedTurn{{Content: "hi", InputTokens: 1_000_000}}, func(o *Options) { o.Ledger = ledger })
	conv := f.o.NewConversation(Settings{Provider: "openai", Model: "gpt-4o", Mode: approval.ModeNormal})

	f.o.Run(context.Background(), conv, "hello")

	assert.InDelta(t, 2.50, ledger.Spent("openai"), 1e-9)
}

func TestReportedCostIsRecorded(t *testing.T) {
	ledger := budget.NewLedger()
	cost := 0.42
	f := newFixture(t, []model.ScriptedTurn{{Content: "hi", InputTokens: 10, CostUSD: &cost}}, func(o *Options) { o.Ledger = ledger })
	conv := f.o.NewConversation(Settings{Provider: "openai", Model: "gpt-4o", Mode: approval.ModeNormal})

	f.o.Run(context.Background(), conv, "hello")

	assert.InDelta(t, 0.42, ledger.Spent("openai"), 1e-9)
}

func TestMacroPausesOnHighDangerStep(t *testing.T) {
	lib := macro.NewLibrary(macro.Macro{Name: "archive_and_remove", Steps: []macro.Step{
		{Tool: "local_read", Args: map[string]any{"path": "{{file}}"}},
		{Tool: "local_delete", Args: map[string]any{"path": "{{file}}"}},
	}})
	f := newFixture(t, []model.ScriptedTurn{
		toolTurn("", call("archive_and_remove", map[string]any{"file": "x.txt"})),
		{Content: "Removed x.txt."},
	}, func(o *Options) { o.Macros = lib })
	for _, def := range lib.Definitions() {
		require.NoError(t, f.registry.Register(def))
	}
	f.exec.On("Execute", "local_read", map[string]any{"path": "x.txt"}).Return(tools.NewTextOutput("old data"), nil).Once()
	f.exec.On("Execute", "local_delete", map[string]any{"path": "x.txt"}).Return(tools.NewTextOutput("deleted x.txt"), nil).Once()
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeNormal})

	out := f.o.Run(context.Background(), conv, "clean x")

	require.Equal(t, StatusAwaitingApproval, out.Status)
	require.Len(t, out.Pending, 1)
	assert.Equal(t, "local_delete", out.Pending[0].Name)
	assert.Equal(t, tools.StatusPending, out.Pending[0].Status)
	f.exec.AssertNumberOfCalls(t, "Execute", 1)

	state, ok := f.o.Approvals().Get(out.PendingID)
	require.True(t, ok)
	require.NotNil(t, state.Macro)
	assert.Equal(t, "old data", state.Macro.Paused.LastResult)
	require.Len(t, state.Folded, 1)
	assert.Contains(t, state.Folded[0], "Paused before local_delete")

	resumed := f.o.Resume(context.Background(), conv, out.PendingID, ApproveAll(approval.ApproveOnce))

	assert.Equal(t, StatusCompleted, resumed.Status)
	f.exec.AssertExpectations(t)
	assert.Contains(t, lastToolMessage(t, conv), "[archive_and_remove] deleted x.txt")
}

func TestNestedMacroNeedsApprovalInSafeMode(t *testing.T) {
	lib := macro.NewLibrary(
		macro.Macro{Name: "inner_write", Steps: []macro.Step{{Tool: "local_write", Args: map[string]any{"path": "{{p}}"}}}},
		macro.Macro{Name: "outer", Steps: []macro.Step{{Tool: "inner_write", Args: map[string]any{"p": "{{p}}"}}}},
	)
	f := newFixture(t, []model.ScriptedTurn{
		toolTurn("", call("outer", map[string]any{"p": "notes.txt"})),
		{Content: "Skipped."},
	}, func(o *Options) { o.Macros = lib })
	for _, def := range lib.Definitions() {
		require.NoError(t, f.registry.Register(def))
	}
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeSafe})

	out := f.o.Run(context.Background(), conv, "write notes")

	require.Equal(t, StatusAwaitingApproval, out.Status)
	require.Len(t, out.Pending, 1)
	assert.Equal(t, "outer", out.Pending[0].Name)
	f.exec.AssertNumberOfCalls(t, "Execute", 0)
}

func TestCancelStopsAtNextIteration(t *testing.T) {
	var conv *Conversation
	f := newFixture(t, []model.ScriptedTurn{
		toolTurn("", call("local_list", map[string]any{"path": "/a"})),
		{Content: "never reached"},
	}, func(o *Options) {
		o.OnEvent = func(ev Event) {
			if ev.Type == EventToolEnd {
				conv.Cancel()
			}
		}
	})
	f.exec.On("Execute", "local_list", mock.Anything).Return(tools.NewTextOutput("a.txt"), nil)
	conv = f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeNormal})

	out := f.o.Run(context.Background(), conv, "list")

	assert.Equal(t, StatusCancelled, out.Status)
	assert.Equal(t, "a.txt", out.Answer)
	assert.Equal(t, 1, out.ModelCalls)
	f.exec.AssertNumberOfCalls(t, "Execute", 1)
}

type stalledStream struct{}

func (stalledStream) StreamTurn(ctx context.Context, sessionID string, _ model.Request, emit func(string, model.StreamEvent)) error {
	emit(sessionID, model.StreamEvent{Content: "Half an answer"})
	return nil
}

func TestStreamTimeoutEndsWithPartialContent(t *testing.T) {
	svc := stream.NewService(stream.NewManager(20*time.Millisecond), stalledStream{})
	f := newFixture(t, nil, func(o *Options) { o.Model = svc })
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeNormal})

	out := f.o.Run(context.Background(), conv, "hi")

	assert.Equal(t, StatusStreamTimeout, out.Status)
	assert.True(t, errors.Is(out.Err, agenterrors.ErrStreamTimeout))
	assert.Contains(t, out.Answer, "Half an answer")
	assert.Contains(t, out.Answer, "timed out")
}

func TestModelErrorIsSurfaced(t *testing.T) {
	f := newFixture(t, nil, nil)
	conv := f.o.NewConversation(Settings{Provider: "ollama", Mode: approval.ModeNormal})

	out := f.o.Run(context.Background(), conv, "hi")

	assert.Equal(t, StatusError, out.Status)
	assert.Contains(t, out.Answer, "script exhausted")
}

func TestDecisionsDefaultToReject(t *testing.T) {
	assert.Equal(t, approval.Reject, Decisions{}.For("x"))
	assert.Equal(t, approval.ApproveOnce, ApproveAll(approval.ApproveOnce).For("x"))
	d := Decisions{All: approval.Reject, PerCall: map[string]approval.Decision{"a": approval.ApproveForSession}}
	assert.Equal(t, approval.ApproveForSession, d.For("a"))
	assert.Equal(t, approval.Reject, d.For("b"))
}
