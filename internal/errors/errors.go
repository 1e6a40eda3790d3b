package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrToolNotFound            = errors.New("tool not found")
	ErrValidationFailed        = errors.New("validation failed")
	ErrExecutionFailed         = errors.New("execution failed")
	ErrApprovalRequired        = errors.New("approval required")
	ErrMacroUnresolvedVariable = errors.New("macro has unresolved variables")
	ErrMacroRecursionLimit     = errors.New("macro recursion limit exceeded")
	ErrMacroStepLimit          = errors.New("macro step limit exceeded")
	ErrRateLimited             = errors.New("rate limited")
	ErrBudgetExceeded          = errors.New("budget exceeded")
	ErrStreamTimeout           = errors.New("stream timed out")
	ErrDuplicateCallLoop       = errors.New("duplicate tool call loop detected")
)

// Kind represents the category of an agent failure
type Kind string

const (
	KindToolNotFound            Kind = "tool_not_found"
	KindValidationFailed        Kind = "validation_failed"
	KindExecutionFailed         Kind = "execution_failed"
	KindApprovalRequired        Kind = "approval_required"
	KindMacroUnresolvedVariable Kind = "macro_unresolved_variable"
	KindMacroRecursionLimit     Kind = "macro_recursion_limit"
	KindMacroStepLimit          Kind = "macro_step_limit"
	KindRateLimited             Kind = "rate_limited"
	KindBudgetExceeded          Kind = "budget_exceeded"
	KindStreamTimeout           Kind = "stream_timeout"
	KindDuplicateCallLoop       Kind = "duplicate_call_loop"
)

var kindSentinels = map[Kind]error{
	KindToolNotFound:            ErrToolNotFound,
	KindValidationFailed:        ErrValidationFailed,
	KindExecutionFailed:         ErrExecutionFailed,
	KindApprovalRequired:        ErrApprovalRequired,
	KindMacroUnresolvedVariable: ErrMacroUnresolvedVariable,
	KindMacroRecursionLimit:     ErrMacroRecursionLimit,
	KindMacroStepLimit:          ErrMacroStepLimit,
	KindRateLimited:             ErrRateLimited,
	KindBudgetExceeded:          ErrBudgetExceeded,
	KindStreamTimeout:           ErrStreamTimeout,
	KindDuplicateCallLoop:       ErrDuplicateCallLoop,
}

// AgentError is a structured error raised by the orchestration engine
type AgentError struct {
	Kind        Kind
	Op          string // Operation that failed (e.g., "execute", "expand_macro")
	Tool        string // Tool name if applicable
	Provider    string // Model provider if applicable
	Err         error  // Underlying error
	Transient   bool
	WaitSeconds int      // Set for rate limit rejections
	Details     []string // Unresolved variables, validation messages, ...
	Timestamp   time.Time
}

func (e *AgentError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(" failed")
	if e.Tool != "" {
		b.WriteString(" for ")
		b.WriteString(e.Tool)
	} else if e.Provider != "" {
		b.WriteString(" for ")
		b.WriteString(e.Provider)
	}
	b.WriteString(": ")
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else if sentinel, ok := kindSentinels[e.Kind]; ok {
		b.WriteString(sentinel.Error())
	} else {
		b.WriteString(string(e.Kind))
	}
	if len(e.Details) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Details, ", "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *AgentError) Is(target error) bool {
	if target == nil {
		return false
	}
	if sentinel, ok := kindSentinels[e.Kind]; ok && sentinel == target {
		return true
	}
	return errors.Is(e.Err, target)
}

// New creates a new AgentError
func New(kind Kind, op string, err error) *AgentError {
	return &AgentError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithTool adds the tool name to the error
func (e *AgentError) WithTool(tool string) *AgentError {
	e.Tool = tool
	return e
}

// WithProvider adds the provider id to the error
func (e *AgentError) WithProvider(provider string) *AgentError {
	e.Provider = provider
	return e
}

// WithDetails appends detail strings to the error
func (e *AgentError) WithDetails(details ...string) *AgentError {
	e.Details = append(e.Details, details...)
	return e
}

// Helper functions

// ToolNotFound reports a call to a tool that no registry knows about
func ToolNotFound(tool string) error {
	return New(KindToolNotFound, "resolve_tool", nil).WithTool(tool)
}

// ValidationFailed wraps the messages returned by the validation service
func ValidationFailed(tool string, messages []string) error {
	return New(KindValidationFailed, "validate", nil).WithTool(tool).WithDetails(messages...)
}

// ExecutionFailed wraps a tool failure. Transient failures are eligible for retry.
func ExecutionFailed(tool string, err error, transient bool) error {
	e := New(KindExecutionFailed, "execute", err).WithTool(tool)
	e.Transient = transient
	return e
}

// ApprovalRequired reports that a tool needs user approval before it can run
func ApprovalRequired(tool string) error {
	return New(KindApprovalRequired, "approve", nil).WithTool(tool)
}

// MacroUnresolved reports template variables that could not be resolved.
// Each pair has the form tool.field=value.
func MacroUnresolved(macro string, pairs []string) error {
	return New(KindMacroUnresolvedVariable, "expand_macro", nil).WithTool(macro).WithDetails(pairs...)
}

// MacroRecursion reports a macro nested deeper than the allowed depth
func MacroRecursion(macro string, depth int) error {
	return New(KindMacroRecursionLimit, "expand_macro", fmt.Errorf("depth %d exceeds limit", depth)).WithTool(macro)
}

// MacroStepLimit reports a macro tree that ran more steps than allowed
func MacroStepLimit(macro string, limit int) error {
	return New(KindMacroStepLimit, "execute_macro", fmt.Errorf("more than %d steps", limit)).WithTool(macro)
}

// RateLimited reports a provider request rejected by the sliding window
func RateLimited(provider string, waitSeconds int) error {
	e := New(KindRateLimited, "send", nil).WithProvider(provider)
	e.WaitSeconds = waitSeconds
	return e
}

// BudgetExceeded reports a provider request rejected by the monthly cap
func BudgetExceeded(provider, message string) error {
	return New(KindBudgetExceeded, "send", errors.New(message)).WithProvider(provider)
}

// StreamTimeout reports a streaming reply that did not finish in time
func StreamTimeout(sessionID string, after time.Duration) error {
	return New(KindStreamTimeout, "stream", fmt.Errorf("session %s: no completion after %s", sessionID, after))
}

// DuplicateCallLoop reports a batch made entirely of calls already executed this turn
func DuplicateCallLoop(signatures []string) error {
	return New(KindDuplicateCallLoop, "loop", nil).WithDetails(signatures...)
}

// KindOf returns the kind of the first AgentError in err's chain
func KindOf(err error) (Kind, bool) {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Kind, true
	}
	return "", false
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Kind == KindExecutionFailed && agentErr.Transient
	}
	return false
}

// WaitSeconds returns the suggested wait for a rate limit rejection
func WaitSeconds(err error) int {
	var agentErr *AgentError
	if errors.As(err, &agentErr) && agentErr.Kind == KindRateLimited {
		return agentErr.WaitSeconds
	}
	return 0
}

// UserMessage renders err as the plain-language text shown in the transcript
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		return "Error: " + err.Error()
	}

	switch agentErr.Kind {
	case KindToolNotFound:
		return fmt.Sprintf("Tool %q is not available.", agentErr.Tool)
	case KindValidationFailed:
		return fmt.Sprintf("Tool %q was rejected by validation: %s", agentErr.Tool, strings.Join(agentErr.Details, "; "))
	case KindExecutionFailed:
		return fmt.Sprintf("Tool %q failed: %v", agentErr.Tool, agentErr.Err)
	case KindApprovalRequired:
		return fmt.Sprintf("Tool %q is waiting for your approval.", agentErr.Tool)
	case KindMacroUnresolvedVariable:
		return fmt.Sprintf("Macro %q has unresolved variables: %s", agentErr.Tool, strings.Join(agentErr.Details, ", "))
	case KindMacroRecursionLimit:
		return fmt.Sprintf("Macro %q nests too deeply.", agentErr.Tool)
	case KindMacroStepLimit:
		return fmt.Sprintf("Macro %q stopped: %v.", agentErr.Tool, agentErr.Err)
	case KindRateLimited:
		return fmt.Sprintf("Rate limit reached for %s. Try again in %d seconds.", agentErr.Provider, agentErr.WaitSeconds)
	case KindBudgetExceeded:
		return fmt.Sprintf("Monthly budget reached for %s: %v", agentErr.Provider, agentErr.Err)
	case KindStreamTimeout:
		return "The response timed out before it finished."
	case KindDuplicateCallLoop:
		return "Stopped: the assistant repeated tool calls that already ran."
	default:
		return "Error: " + agentErr.Error()
	}
}
