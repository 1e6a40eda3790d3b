package tools

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CallStatus tracks a tool call through approval and execution.
type CallStatus string

const (
	StatusPending  CallStatus = "pending"
	StatusApproved CallStatus = "approved"
	StatusRejected CallStatus = "rejected"
	StatusExecuted CallStatus = "executed"
)

// Call is a single tool invocation proposed by the model.
type Call struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Args       map[string]any    `json:"arguments"`
	Status     CallStatus        `json:"status"`
	Validation *ValidationResult `json:"validation,omitempty"`
}

// NewCall is the single constructor for calls, whether they came from a
// structured tool call or were recovered from reply text.
func NewCall(id, name string, args map[string]any) *Call {
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	if args == nil {
		args = map[string]any{}
	}
	return &Call{
		ID:     id,
		Name:   strings.TrimSpace(name),
		Args:   args,
		Status: StatusPending,
	}
}

// Signature identifies a call by tool name and arguments. encoding/json sorts
// map keys, so equal argument maps produce equal signatures.
func (c *Call) Signature() string {
	data, err := json.Marshal(c.Args)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", c.Args))
	}
	return c.Name + "::" + string(data)
}

// StringArg returns a string argument or "" when absent.
func (c *Call) StringArg(key string) string {
	if v, ok := c.Args[key].(string); ok {
		return v
	}
	return ""
}

// Paths returns the normalized path-like argument values of the call.
func (c *Call) Paths() []string {
	var out []string
	for _, key := range PathArgKeys {
		switch v := c.Args[key].(type) {
		case string:
			if v != "" {
				out = append(out, NormalizePath(v))
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, NormalizePath(s))
				}
			}
		case []string:
			for _, s := range v {
				if s != "" {
					out = append(out, NormalizePath(s))
				}
			}
		}
	}
	return out
}

// NormalizePath cleans a path for overlap comparison. Backslashes are treated
// as separators so Windows-style arguments compare equal.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return ""
	}
	return path.Clean(p)
}

// PathsOverlap reports whether a and b name the same resource or one contains the other.
func PathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	if a == "/" || b == "/" || a == "." || b == "." {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// Output is what a tool execution returns. IsError marks a soft failure: the
// tool ran but reported that it did not succeed.
type Output struct {
	Text    string
	IsError bool
}

// NewTextOutput creates a successful output.
func NewTextOutput(text string) Output {
	return Output{Text: text}
}

// NewErrorOutput creates a soft-failure output.
func NewErrorOutput(text string) Output {
	return Output{Text: text, IsError: true}
}

// NewJSONOutput marshals data into a successful output.
func NewJSONOutput(data interface{}) Output {
	b, err := json.Marshal(data)
	if err != nil {
		return NewErrorOutput(err.Error())
	}
	return Output{Text: string(b)}
}

// Result is the collected outcome of one call.
type Result struct {
	Call     *Call
	Output   string
	IsError  bool
	Err      error
	Attempts int
	Duration time.Duration
	// Hint is a recovery suggestion for the next model turn.
	Hint string
}

// Failed reports whether the call raised an error or soft-failed.
func (r Result) Failed() bool {
	return r.Err != nil || r.IsError
}

// Format renders the result the way it is folded back into the conversation.
func (r Result) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", r.Call.Name)
	switch {
	case r.Err != nil:
		b.WriteString("Error: ")
		b.WriteString(r.Err.Error())
		if r.Output != "" {
			b.WriteString("\nLast output: ")
			b.WriteString(r.Output)
		}
	case r.IsError:
		b.WriteString("Failed: ")
		b.WriteString(r.Output)
	default:
		b.WriteString(r.Output)
	}
	if r.Hint != "" {
		b.WriteString("\nHint: ")
		b.WriteString(r.Hint)
	}
	return b.String()
}

// FormatResults concatenates results for the next model turn.
func FormatResults(results []Result) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.Format())
	}
	return strings.Join(parts, "\n\n")
}
