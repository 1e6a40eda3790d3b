// Package macro expands named sequences of tool-call templates into concrete
// calls and runs them.
package macro

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
	agenterrors "github.com/itsharex/aeroftp-sub001/internal/errors"
)

const (
	// MaxDepth is the deepest allowed chain of macros calling macros.
	MaxDepth = 5
	// MaxTotalSteps bounds the steps executed across a whole macro tree.
	MaxTotalSteps = 50
)

// Step is one tool-call template. String values of Args may contain {{var}}
// placeholders resolved from the invoking call's arguments.
type Step struct {
	Tool string         `yaml:"tool" json:"tool"`
	Args map[string]any `yaml:"args" json:"args,omitempty"`
}

// Macro is a named sequence of steps.
type Macro struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// Counter is shared by pointer across a macro tree so the step ceiling
// applies to the whole tree.
type Counter struct {
	Total int
	Limit int
}

// NewCounter creates a counter with the default ceiling.
func NewCounter() *Counter {
	return &Counter{Limit: MaxTotalSteps}
}

func (c *Counter) limit() int {
	if c.Limit <= 0 {
		return MaxTotalSteps
	}
	return c.Limit
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Expand resolves the macro's templates against args. Any unresolved
// variable aborts the whole expansion and lists every tool.field=value pair
// that could not be resolved.
func Expand(m Macro, args map[string]any, depth int) ([]Step, error) {
	if depth > MaxDepth {
		return nil, agenterrors.MacroRecursion(m.Name, depth)
	}

	var unresolved []string
	steps := make([]Step, 0, len(m.Steps))
	for _, step := range m.Steps {
		resolved := make(map[string]any, len(step.Args))
		keys := make([]string, 0, len(step.Args))
		for k := range step.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, field := range keys {
			value, missing := substitute(step.Args[field], args)
			if len(missing) > 0 {
				unresolved = append(unresolved, fmt.Sprintf("%s.%s=%v", step.Tool, field, step.Args[field]))
				continue
			}
			resolved[field] = value
		}
		steps = append(steps, Step{Tool: step.Tool, Args: resolved})
	}
	if len(unresolved) > 0 {
		return nil, agenterrors.MacroUnresolved(m.Name, unresolved)
	}
	return steps, nil
}

// substitute replaces placeholders in v. A string that is exactly one
// placeholder takes the argument's value with its original type.
func substitute(v any, args map[string]any) (any, []string) {
	switch val := v.(type) {
	case string:
		if m := placeholder.FindStringSubmatch(val); m != nil && m[0] == strings.TrimSpace(val) {
			arg, ok := args[m[1]]
			if !ok {
				return val, []string{m[1]}
			}
			return arg, nil
		}
		var missing []string
		out := placeholder.ReplaceAllStringFunc(val, func(token string) string {
			name := placeholder.FindStringSubmatch(token)[1]
			arg, ok := args[name]
			if !ok {
				missing = append(missing, name)
				return token
			}
			return fmt.Sprint(arg)
		})
		return out, missing
	case map[string]any:
		out := make(map[string]any, len(val))
		var missing []string
		for k, item := range val {
			resolved, m := substitute(item, args)
			missing = append(missing, m...)
			out[k] = resolved
		}
		return out, missing
	case []any:
		out := make([]any, len(val))
		var missing []string
		for i, item := range val {
			resolved, m := substitute(item, args)
			missing = append(missing, m...)
			out[i] = resolved
		}
		return out, missing
	default:
		return v, nil
	}
}

// Library holds the macros available to a conversation.
type Library struct {
	mu     sync.RWMutex
	macros map[string]Macro
}

// NewLibrary creates a library from macros. Later duplicates replace earlier ones.
func NewLibrary(macros ...Macro) *Library {
	l := &Library{macros: make(map[string]Macro)}
	for _, m := range macros {
		l.macros[m.Name] = m
	}
	return l
}

type libraryFile struct {
	Macros []Macro `yaml:"macros"`
}

// LoadLibrary reads macros from a YAML file with a top-level "macros" list.
func LoadLibrary(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read macros: %w", err)
	}
	var file libraryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse macros %s: %w", path, err)
	}
	for _, m := range file.Macros {
		if strings.TrimSpace(m.Name) == "" || len(m.Steps) == 0 {
			return nil, fmt.Errorf("parse macros %s: macro needs a name and at least one step", path)
		}
	}
	return NewLibrary(file.Macros...), nil
}

// Get returns a macro by name.
func (l *Library) Get(name string) (Macro, bool) {
	if l == nil {
		return Macro{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.macros[name]
	return m, ok
}

// List returns all macros sorted by name.
func (l *Library) List() []Macro {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Macro, 0, len(l.macros))
	for _, m := range l.macros {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions describes each macro as a composite tool. The registry derives
// a macro's danger from its steps when it is looked up, so nested macros and
// later danger overrides are reflected.
func (l *Library) Definitions() []tools.Definition {
	var defs []tools.Definition
	for _, m := range l.List() {
		var params []tools.Parameter
		steps := make([]string, 0, len(m.Steps))
		seen := map[string]bool{}
		for _, step := range m.Steps {
			steps = append(steps, step.Tool)
			for _, v := range step.Args {
				s, ok := v.(string)
				if !ok {
					continue
				}
				for _, match := range placeholder.FindAllStringSubmatch(s, -1) {
					if !seen[match[1]] {
						seen[match[1]] = true
						params = append(params, tools.Parameter{Name: match[1], Type: "string", Required: true})
					}
				}
			}
		}
		sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
		defs = append(defs, tools.Definition{
			Name:        m.Name,
			Description: m.Description,
			Parameters:  params,
			Danger:      tools.DangerSafe,
			Origin:      tools.OriginMacro,
			Mutating:    true,
			Exclusive:   true,
			Steps:       steps,
		})
	}
	return defs
}
