package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	agenterrors "github.com/itsharex/aeroftp-sub001/internal/errors"
)

// Executor runs a single tool. Built-in and plugin tools are routed
// identically behind this interface.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) (Output, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, name string, args map[string]any) (Output, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, name string, args map[string]any) (Output, error) {
	return f(ctx, name, args)
}

// Mux routes tool names to executors.
type Mux struct {
	mu     sync.RWMutex
	routes map[string]Executor
}

// NewMux creates an empty router.
func NewMux() *Mux {
	return &Mux{routes: make(map[string]Executor)}
}

// Handle routes name to exec, replacing any previous route.
func (m *Mux) Handle(name string, exec Executor) {
	m.mu.Lock()
	m.routes[name] = exec
	m.mu.Unlock()
}

// Replace drops the routes in remove and routes every name in add to exec,
// in one step. Names in both keep their route throughout.
func (m *Mux) Replace(remove, add []string, exec Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range remove {
		delete(m.routes, name)
	}
	for _, name := range add {
		m.routes[name] = exec
	}
}

// Execute implements Executor.
func (m *Mux) Execute(ctx context.Context, name string, args map[string]any) (Output, error) {
	m.mu.RLock()
	exec, ok := m.routes[name]
	m.mu.RUnlock()
	if !ok {
		return Output{}, agenterrors.ToolNotFound(name)
	}
	return exec.Execute(ctx, name, args)
}

// ValidationResult is the verdict of the validation service.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validator checks a call before it runs.
type Validator interface {
	Validate(ctx context.Context, name string, args map[string]any) (ValidationResult, error)
}

// ValidateFailClosed runs v and converts any transport failure into an
// invalid result. A nil validator accepts everything.
func ValidateFailClosed(ctx context.Context, v Validator, name string, args map[string]any) ValidationResult {
	if v == nil {
		return ValidationResult{Valid: true}
	}
	res, err := v.Validate(ctx, name, args)
	if err != nil {
		return ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("validation unavailable: %v", err)}}
	}
	if !res.Valid && len(res.Errors) == 0 {
		res.Errors = []string{"rejected by validator"}
	}
	return res
}

const maxPathLength = 4096

// ArgValidator checks required parameters and path arguments against the registry.
type ArgValidator struct {
	Registry *Registry
}

// Validate implements Validator.
func (v ArgValidator) Validate(_ context.Context, name string, args map[string]any) (ValidationResult, error) {
	res := ValidationResult{Valid: true}
	def, ok := v.Registry.Lookup(name)
	if !ok {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf("unknown tool: %s", name))
		return res, nil
	}

	for _, p := range def.Parameters {
		if !p.Required {
			continue
		}
		if val, present := args[p.Name]; !present || val == nil {
			res.Errors = append(res.Errors, fmt.Sprintf("missing required argument: %s", p.Name))
		}
	}

	for _, key := range PathArgKeys {
		switch val := args[key].(type) {
		case string:
			if msg := validatePath(val, key); msg != "" {
				res.Errors = append(res.Errors, msg)
			}
		case []any:
			for _, item := range val {
				s, isString := item.(string)
				if !isString {
					res.Errors = append(res.Errors, fmt.Sprintf("%s: expected a list of strings", key))
					break
				}
				if msg := validatePath(s, key); msg != "" {
					res.Errors = append(res.Errors, msg)
				}
			}
		}
	}

	if def.Danger == DangerHigh {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s is destructive", name))
	}
	res.Valid = len(res.Errors) == 0
	return res, nil
}

func validatePath(p, param string) string {
	if len(p) > maxPathLength {
		return fmt.Sprintf("%s: path exceeds %d characters", param, maxPathLength)
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Sprintf("%s: path contains null bytes", param)
	}
	for _, component := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if component == ".." {
			return fmt.Sprintf("%s: path traversal ('..') not allowed", param)
		}
	}
	return ""
}
