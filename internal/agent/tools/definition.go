package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// DangerLevel classifies how sensitive a tool is for auto-approval.
type DangerLevel string

const (
	DangerSafe   DangerLevel = "safe"
	DangerMedium DangerLevel = "medium"
	DangerHigh   DangerLevel = "high"
)

// Rank orders danger levels; unknown levels rank as high.
func (d DangerLevel) Rank() int {
	switch d {
	case DangerSafe:
		return 0
	case DangerMedium:
		return 1
	default:
		return 2
	}
}

// ParseDangerLevel parses a danger level name.
func ParseDangerLevel(s string) (DangerLevel, error) {
	switch DangerLevel(strings.ToLower(strings.TrimSpace(s))) {
	case DangerSafe:
		return DangerSafe, nil
	case DangerMedium:
		return DangerMedium, nil
	case DangerHigh:
		return DangerHigh, nil
	}
	return "", fmt.Errorf("unknown danger level %q", s)
}

// MaxDanger returns the more sensitive of two levels.
func MaxDanger(a, b DangerLevel) DangerLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Origin records where a tool definition came from.
type Origin string

const (
	OriginBuiltin Origin = "builtin"
	OriginPlugin  Origin = "plugin"
	OriginMacro   Origin = "macro"
)

// Parameter describes one argument of a tool.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Definition describes a tool the model may call.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters,omitempty"`
	Danger      DangerLevel `json:"dangerLevel"`
	Origin      Origin      `json:"origin"`
	// Mutating tools change the resources named by their path arguments.
	Mutating bool `json:"mutating,omitempty"`
	// Exclusive tools never share an execution level with another call.
	Exclusive bool `json:"exclusive,omitempty"`
	// Steps names the tools a composite tool runs. When set, the danger is
	// derived from the steps at lookup time.
	Steps []string `json:"-"`
}

// maxCompositeDepth bounds how deep composite tools are followed when
// deriving their danger.
const maxCompositeDepth = 5

// Registry holds the tool definitions known to a conversation.
type Registry struct {
	mu        sync.RWMutex
	defs      map[string]Definition
	overrides []dangerOverride
	exclusive []string
}

type dangerOverride struct {
	pattern string
	level   DangerLevel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// NewBuiltinRegistry creates a registry pre-loaded with the built-in catalogue.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, def := range BuiltinDefinitions() {
		r.defs[def.Name] = def
	}
	return r
}

// Register adds a definition. Names must be unique.
func (r *Registry) Register(def Definition) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Danger == "" {
		def.Danger = DangerMedium
	}
	if def.Origin == "" {
		def.Origin = OriginBuiltin
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("tool %q is already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// ReplaceOrigin swaps every definition from origin for defs in one step, so
// tools present before and after are never missing in between. Definitions
// whose names are taken by another origin are skipped and reported.
func (r *Registry) ReplaceOrigin(origin Origin, defs []Definition) (registered []string, skipped map[string]error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]Definition, len(r.defs)+len(defs))
	for name, def := range r.defs {
		if def.Origin != origin {
			next[name] = def
		}
	}
	for _, def := range defs {
		def.Name = strings.TrimSpace(def.Name)
		def.Origin = origin
		if def.Danger == "" {
			def.Danger = DangerMedium
		}
		if _, exists := next[def.Name]; exists || def.Name == "" {
			if skipped == nil {
				skipped = make(map[string]error)
			}
			skipped[def.Name] = fmt.Errorf("tool %q is already registered", def.Name)
			continue
		}
		next[def.Name] = def
		registered = append(registered, def.Name)
	}
	r.defs = next
	return registered, skipped
}

// SetDangerOverrides installs per-tool danger overrides keyed by wildcard
// pattern. Patterns are applied in sorted order; the last match wins.
func (r *Registry) SetDangerOverrides(overrides map[string]DangerLevel) {
	list := make([]dangerOverride, 0, len(overrides))
	for pattern, level := range overrides {
		list = append(list, dangerOverride{pattern: pattern, level: level})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].pattern < list[j].pattern })

	r.mu.Lock()
	r.overrides = list
	r.mu.Unlock()
}

// SetExclusivePatterns marks tools matching any pattern as exclusive.
func (r *Registry) SetExclusivePatterns(patterns []string) {
	r.mu.Lock()
	r.exclusive = append([]string(nil), patterns...)
	r.mu.Unlock()
}

// Lookup returns the effective definition for name, with overrides applied.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return Definition{}, false
	}
	return r.effectiveLocked(def), true
}

// Danger returns the effective danger level of name. Unknown tools are high.
func (r *Registry) Danger(name string) DangerLevel {
	def, ok := r.Lookup(name)
	if !ok {
		return DangerHigh
	}
	return def.Danger
}

// List returns all effective definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, r.effectiveLocked(def))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) effectiveLocked(def Definition) Definition {
	return r.resolveLocked(def, 0)
}

func (r *Registry) resolveLocked(def Definition, depth int) Definition {
	if len(def.Steps) > 0 {
		def.Danger = r.compositeDangerLocked(def.Steps, depth)
	}
	for _, o := range r.overrides {
		if wildcard.Match(o.pattern, def.Name) {
			def.Danger = o.level
		}
	}
	for _, pattern := range r.exclusive {
		if wildcard.Match(pattern, def.Name) {
			def.Exclusive = true
		}
	}
	// Plugin tools never rank below medium.
	if def.Origin == OriginPlugin && def.Danger.Rank() < DangerMedium.Rank() {
		def.Danger = DangerMedium
	}
	return def
}

// compositeDangerLocked ranks a composite tool by its most sensitive non-high
// step, following nested composites. High steps pause for approval on their
// own. Chains deeper than maxCompositeDepth rank as medium.
func (r *Registry) compositeDangerLocked(steps []string, depth int) DangerLevel {
	if depth >= maxCompositeDepth {
		return DangerMedium
	}
	danger := DangerSafe
	for _, name := range steps {
		step, ok := r.defs[name]
		if !ok {
			continue
		}
		if d := r.resolveLocked(step, depth+1).Danger; d != DangerHigh {
			danger = MaxDanger(danger, d)
		}
	}
	return danger
}
