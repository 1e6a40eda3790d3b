// Package loop runs the autonomous multi-step tool loop: it calls the model,
// routes proposed tool calls through approval, leveling and retry, and feeds
// the results back until the task is done or a limit is reached.
package loop

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/itsharex/aeroftp-sub001/internal/agent/approval"
	"github.com/itsharex/aeroftp-sub001/internal/agent/budget"
	"github.com/itsharex/aeroftp-sub001/internal/agent/levels"
	"github.com/itsharex/aeroftp-sub001/internal/agent/macro"
	"github.com/itsharex/aeroftp-sub001/internal/agent/model"
	"github.com/itsharex/aeroftp-sub001/internal/agent/ratelimit"
	"github.com/itsharex/aeroftp-sub001/internal/agent/retry"
	"github.com/itsharex/aeroftp-sub001/internal/agent/stream"
	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
	agenterrors "github.com/itsharex/aeroftp-sub001/internal/errors"
	"github.com/itsharex/aeroftp-sub001/internal/logging"
)

// Status is how a loop invocation ended.
type Status string

const (
	StatusCompleted        Status = "completed"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusMaxSteps         Status = "max_steps"
	StatusDuplicateLoop    Status = "duplicate_loop"
	StatusCancelled        Status = "cancelled"
	StatusRateLimited      Status = "rate_limited"
	StatusBudgetExceeded   Status = "budget_exceeded"
	StatusStreamTimeout    Status = "stream_timeout"
	StatusError            Status = "error"
)

// EventType identifies a loop event.
type EventType string

const (
	EventContent        EventType = "content"
	EventToolStart      EventType = "tool_start"
	EventToolEnd        EventType = "tool_end"
	EventApprovalNeeded EventType = "approval_needed"
	EventNotice         EventType = "notice"
)

// Event is delivered to the OnEvent callback as the loop progresses.
type Event struct {
	Type           EventType
	ConversationID string
	Step           int
	Content        string
	Call           *tools.Call
	Result         *tools.Result
	PendingID      string
	Pending        []*tools.Call
}

// Outcome is the result of Run or Resume.
type Outcome struct {
	Status Status
	// Answer is the text shown to the user for this outcome.
	Answer string
	// ModelCalls counts the model requests made by this invocation.
	ModelCalls int
	PendingID  string
	Pending    []*tools.Call
	Err        error
}

const continuePrompt = "Continue with the task using these results, or reply without tool calls when it is complete."

// Settings are read once, when a conversation starts.
type Settings struct {
	Provider string
	Model    string
	Mode     approval.Mode
}

// Conversation is the per-conversation state owned by the orchestrator.
type Conversation struct {
	ID       string
	Settings Settings
	Memory   *approval.Memory

	mu        sync.Mutex
	messages  []model.Message
	cancelled atomic.Bool
	running   atomic.Bool
}

// Cancel asks the running loop to stop at the next iteration boundary.
// In-flight calls finish.
func (c *Conversation) Cancel() {
	c.cancelled.Store(true)
}

// Messages returns a copy of the conversation so far.
func (c *Conversation) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Message(nil), c.messages...)
}

func (c *Conversation) append(msgs ...model.Message) {
	c.mu.Lock()
	c.messages = append(c.messages, msgs...)
	c.mu.Unlock()
}

// Config tunes the orchestrator.
type Config struct {
	SystemPrompt   string
	MaxConcurrency int
	Retry          retry.Options
	MacroStepLimit int
}

// Options are the collaborators of an orchestrator. Model, Registry and
// Exec are required; the rest get defaults.
type Options struct {
	Model     model.Service
	Registry  *tools.Registry
	Exec      tools.Executor
	Validator tools.Validator
	Macros    *macro.Library
	Limiter   *ratelimit.Limiter
	Ledger    *budget.Ledger
	Approvals *approval.Store
	Metrics   *Metrics
	OnEvent   func(Event)
	Config    Config
}

// Orchestrator drives conversations through the tool loop. The rate limiter
// and budget ledger it holds are shared by all of its conversations.
type Orchestrator struct {
	model     model.Service
	registry  *tools.Registry
	policy    approval.Policy
	exec      tools.Executor
	validator tools.Validator
	macros    *macro.Library
	limiter   *ratelimit.Limiter
	ledger    *budget.Ledger
	approvals *approval.Store
	metrics   *Metrics
	onEvent   func(Event)
	cfg       Config
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Model == nil {
		return nil, fmt.Errorf("model service is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if opts.Exec == nil {
		return nil, fmt.Errorf("tool executor is required")
	}

	o := &Orchestrator{
		model:     opts.Model,
		registry:  opts.Registry,
		policy:    approval.Policy{Registry: opts.Registry},
		exec:      opts.Exec,
		validator: opts.Validator,
		macros:    opts.Macros,
		limiter:   opts.Limiter,
		ledger:    opts.Ledger,
		approvals: opts.Approvals,
		metrics:   opts.Metrics,
		onEvent:   opts.OnEvent,
		cfg:       opts.Config,
	}
	if o.validator == nil {
		o.validator = tools.ArgValidator{Registry: opts.Registry}
	}
	if o.macros == nil {
		o.macros = macro.NewLibrary()
	}
	if o.limiter == nil {
		o.limiter = ratelimit.New(ratelimit.DefaultCapacity, ratelimit.DefaultWindow)
	}
	if o.ledger == nil {
		o.ledger = budget.NewLedger()
	}
	if o.approvals == nil {
		o.approvals = approval.NewStore(approval.StoreConfig{})
	}
	if o.metrics == nil {
		o.metrics = GetMetrics()
	}
	if o.cfg.MaxConcurrency <= 0 {
		o.cfg.MaxConcurrency = 4
	}
	if o.cfg.Retry.MaxAttempts <= 0 {
		o.cfg.Retry.MaxAttempts = 3
	}
	if o.cfg.Retry.BaseDelay <= 0 {
		o.cfg.Retry.BaseDelay = 500 * time.Millisecond
	}
	return o, nil
}

// NewConversation starts a conversation with fresh approval memory. Settings
// are fixed for the conversation's lifetime.
func (o *Orchestrator) NewConversation(settings Settings) *Conversation {
	if settings.Mode == "" {
		settings.Mode = approval.ModeNormal
	}
	return &Conversation{
		ID:       uuid.NewString(),
		Settings: settings,
		Memory:   approval.NewMemory(),
	}
}

// EndConversation drops any approvals still pending for conv.
func (o *Orchestrator) EndConversation(conv *Conversation) {
	if n := o.approvals.DeleteConversation(conv.ID); n > 0 {
		logger := logging.FromContext(context.Background())
		logger.Debug().
			Str("conversation_id", conv.ID).
			Int("pending", n).
			Msg("Dropped pending approvals for ended conversation")
	}
}

// Approvals returns the store of executions awaiting the user.
func (o *Orchestrator) Approvals() *approval.Store {
	return o.approvals
}

// turnState is the per-invocation loop state.
type turnState struct {
	step       int
	modelCalls int
	signatures map[string]bool
	lastResult string
}

// Run sends a user message and loops until the model stops calling tools or
// a limit is reached.
func (o *Orchestrator) Run(ctx context.Context, conv *Conversation, userMessage string) Outcome {
	if !conv.running.CompareAndSwap(false, true) {
		return Outcome{Status: StatusError, Err: fmt.Errorf("conversation %s is already running", conv.ID)}
	}
	defer conv.running.Store(false)
	conv.cancelled.Store(false)

	ctx, _ = logging.WithConversationID(ctx, conv.ID)
	conv.append(model.NewMessage(model.RoleUser, userMessage))

	st := &turnState{step: 1, signatures: make(map[string]bool)}
	return o.finish(ctx, conv, o.iterate(ctx, conv, st))
}

// Decisions are the user's answers for a pending execution.
type Decisions struct {
	// All applies to every call without a per-call decision.
	All     approval.Decision
	PerCall map[string]approval.Decision
}

// ApproveAll applies one decision to the whole batch.
func ApproveAll(d approval.Decision) Decisions {
	return Decisions{All: d}
}

// For returns the decision for a call. Undecided calls are rejected.
func (d Decisions) For(callID string) approval.Decision {
	if dec, ok := d.PerCall[callID]; ok {
		return dec
	}
	if d.All != "" {
		return d.All
	}
	return approval.Reject
}

// Resume continues an execution that stopped for approval.
func (o *Orchestrator) Resume(ctx context.Context, conv *Conversation, pendingID string, decisions Decisions) Outcome {
	if !conv.running.CompareAndSwap(false, true) {
		return Outcome{Status: StatusError, Err: fmt.Errorf("conversation %s is already running", conv.ID)}
	}
	defer conv.running.Store(false)
	conv.cancelled.Store(false)

	ctx, _ = logging.WithConversationID(ctx, conv.ID)
	if state, ok := o.approvals.Get(pendingID); ok && state.ConversationID != conv.ID {
		err := fmt.Errorf("pending approval %s belongs to another conversation", pendingID)
		return o.finish(ctx, conv, Outcome{Status: StatusError, Answer: agenterrors.UserMessage(err), Err: err})
	}
	state, err := o.approvals.Take(pendingID)
	if err != nil {
		return o.finish(ctx, conv, Outcome{Status: StatusError, Answer: agenterrors.UserMessage(err), Err: err})
	}
	if len(conv.Messages()) == 0 {
		conv.append(state.Messages...)
	}

	st := &turnState{step: state.StepCount, signatures: make(map[string]bool)}
	for _, sig := range state.Signatures {
		st.signatures[sig] = true
	}
	folded := append([]string(nil), state.Folded...)

	var approved []*tools.Call
	if state.Macro != nil {
		pending := state.Macro.Paused.Pending
		approval.Apply(decisions.For(pending.ID), pending, conv.Memory)
		out := o.macroRunner(conv).Continue(ctx, state.Macro.Paused, pending.Status == tools.StatusApproved, state.Macro.Counter)
		res, cont := o.macroResult(state.Macro.Call, out, state.Macro.Counter)
		folded = append(folded, res.Format())
		if cont != nil {
			return o.finish(ctx, conv, *o.park(ctx, conv, st, &approval.ExecutionState{
				Pending: []*tools.Call{cont.Paused.Pending},
				Auto:    state.Auto,
				Folded:  folded,
				Macro:   cont,
			}))
		}
		approved = state.Auto
	} else {
		approved = append(approved, state.Auto...)
		for _, c := range state.Pending {
			approval.Apply(decisions.For(c.ID), c, conv.Memory)
			if c.Status == tools.StatusApproved {
				approved = append(approved, c)
				continue
			}
			rejected := tools.Result{Call: c, Output: "Rejected by the user.", IsError: true}
			folded = append(folded, rejected.Format())
		}
	}

	folded, paused := o.runBatch(ctx, conv, st, approved, folded)
	if paused != nil {
		return o.finish(ctx, conv, *paused)
	}
	if stop := o.fold(ctx, conv, st, folded); stop != nil {
		return o.finish(ctx, conv, *stop)
	}
	return o.finish(ctx, conv, o.iterate(ctx, conv, st))
}

func (o *Orchestrator) iterate(ctx context.Context, conv *Conversation, st *turnState) Outcome {
	logger := logging.FromContext(ctx)
	for {
		if conv.cancelled.Load() || ctx.Err() != nil {
			return Outcome{Status: StatusCancelled, Answer: st.lastResult, ModelCalls: st.modelCalls}
		}
		if out, rejected := o.preflight(conv); rejected {
			out.ModelCalls = st.modelCalls
			return out
		}

		logger.Debug().Int("step", st.step).Str("mode", string(conv.Settings.Mode)).Msg("Calling model")
		reply, err := o.send(ctx, conv)
		st.modelCalls++
		if err != nil {
			if stream.IsTimeout(err) {
				conv.append(model.NewMessage(model.RoleAssistant, reply.Content))
				return Outcome{Status: StatusStreamTimeout, Answer: reply.Content, ModelCalls: st.modelCalls, Err: err}
			}
			logger.Error().Err(err).Str("provider", conv.Settings.Provider).Msg("Model request failed")
			return Outcome{Status: StatusError, Answer: agenterrors.UserMessage(err), ModelCalls: st.modelCalls, Err: err}
		}

		calls, content := reply.ToolCalls, reply.Content
		if len(calls) == 0 {
			calls, content = tools.ParseFallback(content)
		}
		msg := model.NewMessage(model.RoleAssistant, content)
		msg.Thinking = reply.Thinking
		msg.ToolCalls = calls
		conv.append(msg)
		if content != "" {
			o.emit(Event{Type: EventContent, ConversationID: conv.ID, Step: st.step, Content: content})
		}

		if len(calls) == 0 {
			return Outcome{Status: StatusCompleted, Answer: content, ModelCalls: st.modelCalls}
		}

		if sigs, dup := allSeen(calls, st.signatures); dup {
			answer := content
			if strings.TrimSpace(answer) == "" {
				answer = st.lastResult
			}
			logger.Warn().Strs("signatures", sigs).Msg("Model repeated tool calls that already ran")
			return Outcome{
				Status:     StatusDuplicateLoop,
				Answer:     answer,
				ModelCalls: st.modelCalls,
				Err:        agenterrors.DuplicateCallLoop(sigs),
			}
		}

		folded, paused := o.dispatch(ctx, conv, st, calls)
		if paused != nil {
			paused.ModelCalls = st.modelCalls
			return *paused
		}
		if stop := o.fold(ctx, conv, st, folded); stop != nil {
			stop.ModelCalls = st.modelCalls
			return *stop
		}
	}
}

func allSeen(calls []*tools.Call, seen map[string]bool) ([]string, bool) {
	sigs := make([]string, 0, len(calls))
	for _, c := range calls {
		sig := c.Signature()
		if !seen[sig] {
			return nil, false
		}
		sigs = append(sigs, sig)
	}
	return sigs, true
}

// preflight rejects a send that would break the budget or the rate limit.
// The budget is checked first so a rejected request never takes a rate slot.
func (o *Orchestrator) preflight(conv *Conversation) (Outcome, bool) {
	provider := conv.Settings.Provider

	if d := o.ledger.CheckEstimate(provider, o.promptEstimate(conv)); !d.Allowed {
		err := agenterrors.BudgetExceeded(provider, d.Message)
		o.metrics.RecordLimitRejection("budget", provider)
		return Outcome{Status: StatusBudgetExceeded, Answer: agenterrors.UserMessage(err), Err: err}, true
	}
	if d := o.limiter.Admit(provider); !d.Allowed {
		err := agenterrors.RateLimited(provider, d.WaitSeconds)
		o.metrics.RecordLimitRejection("rate", provider)
		return Outcome{Status: StatusRateLimited, Answer: agenterrors.UserMessage(err), Err: err}, true
	}
	return Outcome{}, false
}

// charsPerToken approximates prompt size for the budget pre-check.
const charsPerToken = 4

// promptEstimate prices the prompt about to be sent. Output tokens are not
// known before the reply, so only the input side is counted. Models without
// a known price estimate to zero.
func (o *Orchestrator) promptEstimate(conv *Conversation) float64 {
	chars := len(o.cfg.SystemPrompt)
	for _, m := range conv.Messages() {
		chars += len(m.Content)
	}
	tokens := (chars + charsPerToken - 1) / charsPerToken
	usd, _ := budget.EstimateUSD(conv.Settings.Provider, conv.Settings.Model, tokens, 0)
	return usd
}

func (o *Orchestrator) send(ctx context.Context, conv *Conversation) (model.Reply, error) {
	var messages []model.Message
	if o.cfg.SystemPrompt != "" {
		messages = append(messages, model.NewMessage(model.RoleSystem, o.cfg.SystemPrompt))
	}
	messages = append(messages, conv.Messages()...)

	req := model.Request{
		Provider: conv.Settings.Provider,
		Model:    conv.Settings.Model,
		Messages: messages,
		Tools:    o.registry.List(),
	}
	o.metrics.RecordIteration(req.Provider, req.Model)
	reply, err := o.model.SendTurn(ctx, req)
	o.recordUsage(ctx, conv, reply.Usage)
	return reply, err
}

// recordUsage adds a reply's cost to the ledger once it is known. Replies
// with tokens but no reported cost are priced from the estimate table.
func (o *Orchestrator) recordUsage(ctx context.Context, conv *Conversation, u model.Usage) {
	cost, estimated := u.CostUSD, false
	if !u.CostReported {
		if est, ok := budget.EstimateUSD(conv.Settings.Provider, conv.Settings.Model, u.InputTokens, u.OutputTokens); ok {
			cost, estimated = est, true
		}
	}
	if cost <= 0 && u.InputTokens == 0 && u.OutputTokens == 0 {
		return
	}

	entry := o.ledger.Record(budget.Entry{
		Provider:       conv.Settings.Provider,
		Model:          conv.Settings.Model,
		ConversationID: conv.ID,
		InputTokens:    u.InputTokens,
		OutputTokens:   u.OutputTokens,
		CostUSD:        cost,
		Estimated:      estimated,
	})
	o.metrics.RecordSpend(entry.Provider, entry.CostUSD)
	logger := logging.FromContext(ctx)
	logger.Debug().
		Str("provider", entry.Provider).
		Float64("cost_usd", entry.CostUSD).
		Bool("estimated", entry.Estimated).
		Msg("Recorded model usage")
}

// dispatch validates a proposed batch and either runs it or parks it for
// approval. A batch with any call needing the user is deferred whole.
func (o *Orchestrator) dispatch(ctx context.Context, conv *Conversation, st *turnState, calls []*tools.Call) ([]string, *Outcome) {
	var folded []string
	var valid []*tools.Call
	for _, c := range calls {
		if _, known := o.registry.Lookup(c.Name); !known {
			c.Status = tools.StatusRejected
			res := tools.Result{Call: c, Err: agenterrors.ToolNotFound(c.Name)}
			folded = append(folded, res.Format())
			o.metrics.RecordToolCall(c.Name, true, 0)
			continue
		}
		v := tools.ValidateFailClosed(ctx, o.validator, c.Name, c.Args)
		c.Validation = &v
		if !v.Valid {
			c.Status = tools.StatusRejected
			res := tools.Result{Call: c, Err: agenterrors.ValidationFailed(c.Name, v.Errors)}
			folded = append(folded, res.Format())
			o.metrics.RecordToolCall(c.Name, true, 0)
			continue
		}
		valid = append(valid, c)
	}

	auto, needsApproval := o.policy.Partition(valid, conv.Settings.Mode, conv.Memory)
	if len(needsApproval) > 0 {
		return nil, o.park(ctx, conv, st, &approval.ExecutionState{
			Pending: needsApproval,
			Auto:    auto,
			Folded:  folded,
		})
	}
	return o.runBatch(ctx, conv, st, auto, folded)
}

// runBatch levels and executes approved calls. If a macro pauses, the
// levels after it are deferred with the pause.
func (o *Orchestrator) runBatch(ctx context.Context, conv *Conversation, st *turnState, calls []*tools.Call, folded []string) ([]string, *Outcome) {
	for _, c := range calls {
		st.signatures[c.Signature()] = true
	}

	lvls := levels.Build(o.registry, calls)
	for i, lvl := range lvls {
		var (
			mu     sync.Mutex
			paused *approval.MacroContinuation
		)
		results := levels.Run(ctx, []levels.Level{lvl}, o.cfg.MaxConcurrency, func(ctx context.Context, c *tools.Call) tools.Result {
			if _, isMacro := o.macros.Get(c.Name); isMacro {
				res, cont := o.runMacro(ctx, conv, c)
				if cont != nil {
					mu.Lock()
					paused = cont
					mu.Unlock()
				}
				return res
			}
			return o.runCall(ctx, conv, st.step, c)
		})

		for _, r := range results {
			folded = append(folded, r.Format())
			if !r.Failed() {
				st.lastResult = r.Output
			}
		}

		if paused != nil {
			var rest []*tools.Call
			for _, later := range lvls[i+1:] {
				rest = append(rest, later...)
			}
			return nil, o.park(ctx, conv, st, &approval.ExecutionState{
				Pending: []*tools.Call{paused.Paused.Pending},
				Auto:    rest,
				Folded:  folded,
				Macro:   paused,
			})
		}
	}
	return folded, nil
}

func (o *Orchestrator) runCall(ctx context.Context, conv *Conversation, step int, c *tools.Call) tools.Result {
	o.emit(Event{Type: EventToolStart, ConversationID: conv.ID, Step: step, Call: c})

	opts := o.cfg.Retry
	if o.registry.Danger(c.Name) == tools.DangerHigh {
		opts.MaxAttempts = 1
	}
	res := retry.Execute(ctx, o.exec, c, opts)

	o.metrics.RecordToolCall(c.Name, res.Failed(), res.Duration.Seconds())
	logger := logging.FromContext(ctx)
	logger.Debug().
		Str("tool", c.Name).
		Int("attempts", res.Attempts).
		Bool("failed", res.Failed()).
		Dur("duration", res.Duration).
		Msg("Tool call finished")
	o.emit(Event{Type: EventToolEnd, ConversationID: conv.ID, Step: step, Call: c, Result: &res})
	return res
}

func (o *Orchestrator) macroRunner(conv *Conversation) *macro.Runner {
	return &macro.Runner{
		Library:   o.macros,
		Registry:  o.registry,
		Exec:      o.exec,
		Validator: o.validator,
		Retry:     o.cfg.Retry,
		ShouldPause: func(name string, danger tools.DangerLevel) bool {
			return danger == tools.DangerHigh && !approval.IsAutoApproved(name, danger, conv.Settings.Mode, conv.Memory)
		},
	}
}

func (o *Orchestrator) runMacro(ctx context.Context, conv *Conversation, c *tools.Call) (tools.Result, *approval.MacroContinuation) {
	counter := &macro.Counter{Limit: o.cfg.MacroStepLimit}
	started := time.Now()
	out := o.macroRunner(conv).Run(ctx, c.Name, c.Args, 1, counter)
	res, cont := o.macroResult(c, out, counter)
	res.Duration = time.Since(started)
	o.metrics.RecordToolCall(c.Name, res.Failed(), res.Duration.Seconds())
	return res, cont
}

// macroResult turns a macro outcome into the invoking call's result. A
// paused outcome also yields the continuation to store.
func (o *Orchestrator) macroResult(c *tools.Call, out macro.Outcome, counter *macro.Counter) (tools.Result, *approval.MacroContinuation) {
	c.Status = tools.StatusExecuted
	res := tools.Result{Call: c, Output: out.LastResult, Attempts: 1}

	switch {
	case out.Paused():
		text := fmt.Sprintf("Paused before %s, waiting for approval.", out.Pending.Name)
		if out.LastResult != "" {
			text += "\nLast result: " + out.LastResult
		}
		res.Output = text
		return res, &approval.MacroContinuation{Call: c, Paused: out, Counter: counter}
	case out.Err != nil:
		res.Err = out.Err
	case res.Output == "":
		res.Output = fmt.Sprintf("Macro completed %d steps.", len(out.Executed))
	}
	return res, nil
}

// park stores the execution for later resumption and reports the pause.
func (o *Orchestrator) park(ctx context.Context, conv *Conversation, st *turnState, state *approval.ExecutionState) *Outcome {
	state.ConversationID = conv.ID
	state.Provider = conv.Settings.Provider
	state.Model = conv.Settings.Model
	state.Messages = conv.Messages()
	state.StepCount = st.step
	state.Signatures = make([]string, 0, len(st.signatures))
	for sig := range st.signatures {
		state.Signatures = append(state.Signatures, sig)
	}
	sort.Strings(state.Signatures)

	if err := o.approvals.Create(state); err != nil {
		return &Outcome{Status: StatusError, Answer: agenterrors.UserMessage(err), ModelCalls: st.modelCalls, Err: err}
	}

	names := make([]string, 0, len(state.Pending))
	for _, c := range state.Pending {
		names = append(names, c.Name)
		o.metrics.RecordApprovalRequest(c.Name)
	}
	notice := "Waiting for approval to run: " + strings.Join(names, ", ")
	o.emit(Event{
		Type:           EventApprovalNeeded,
		ConversationID: conv.ID,
		Step:           st.step,
		Content:        notice,
		PendingID:      state.ID,
		Pending:        state.Pending,
	})
	return &Outcome{
		Status:     StatusAwaitingApproval,
		Answer:     notice,
		ModelCalls: st.modelCalls,
		PendingID:  state.ID,
		Pending:    state.Pending,
	}
}

// fold appends the step's results to the conversation and applies the step
// ceiling.
func (o *Orchestrator) fold(ctx context.Context, conv *Conversation, st *turnState, folded []string) *Outcome {
	conv.append(model.NewMessage(model.RoleTool, strings.Join(folded, "\n\n")+"\n\n"+continuePrompt))

	maxSteps := approval.MaxSteps(conv.Settings.Mode)
	if st.step >= maxSteps {
		notice := fmt.Sprintf("Maximum of %d autonomous steps reached for %s mode. Send a new message to continue.", maxSteps, conv.Settings.Mode)
		conv.append(model.NewMessage(model.RoleAssistant, notice))
		o.emit(Event{Type: EventNotice, ConversationID: conv.ID, Step: st.step, Content: notice})
		logger := logging.FromContext(ctx)
		logger.Warn().Int("max_steps", maxSteps).Msg("Autonomous loop hit step limit")
		return &Outcome{Status: StatusMaxSteps, Answer: notice}
	}
	st.step++
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, conv *Conversation, out Outcome) Outcome {
	o.metrics.RecordOutcome(out.Status)
	logger := logging.FromContext(ctx)
	event := logger.Info()
	if out.Err != nil && out.Status != StatusDuplicateLoop {
		event = logger.Warn().Err(out.Err)
	}
	event.
		Str("status", string(out.Status)).
		Int("model_calls", out.ModelCalls).
		Str("mode", string(conv.Settings.Mode)).
		Msg("Agent loop finished")
	return out
}

func (o *Orchestrator) emit(ev Event) {
	if o.onEvent != nil {
		o.onEvent(ev)
	}
}
