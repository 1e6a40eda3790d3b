package approval

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
)

// Mode is the approval and step-budget profile of a conversation.
type Mode string

const (
	ModeSafe    Mode = "safe"
	ModeNormal  Mode = "normal"
	ModeExpert  Mode = "expert"
	ModeExtreme Mode = "extreme"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSafe, ModeNormal, ModeExpert, ModeExtreme:
		return m, nil
	}
	return "", fmt.Errorf("unknown agent mode %q", s)
}

// MaxSteps returns the autonomous step ceiling for a mode.
func MaxSteps(m Mode) int {
	switch m {
	case ModeSafe:
		return 5
	case ModeExpert:
		return 25
	case ModeExtreme:
		return 50
	default:
		return 10
	}
}

// Memory is the set of tools approved "for this session". It is cleared when
// a new conversation starts.
type Memory struct {
	mu    sync.RWMutex
	tools map[string]struct{}
}

// NewMemory creates an empty approval memory.
func NewMemory() *Memory {
	return &Memory{tools: make(map[string]struct{})}
}

// Add remembers a tool for the rest of the session.
func (m *Memory) Add(name string) {
	m.mu.Lock()
	m.tools[name] = struct{}{}
	m.mu.Unlock()
}

// Has reports whether a tool was approved for the session.
func (m *Memory) Has(name string) bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tools[name]
	return ok
}

// Clear forgets every session approval.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.tools = make(map[string]struct{})
	m.mu.Unlock()
}

// List returns the remembered tool names, sorted.
func (m *Memory) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tools))
	for name := range m.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsAutoApproved decides whether a tool of the given danger level may run
// without asking the user. Rules apply in order: extreme approves everything,
// safe tools always run, safe mode approves nothing else, expert approves
// medium tools and remembered tools, normal approves only remembered tools.
func IsAutoApproved(name string, danger tools.DangerLevel, mode Mode, mem *Memory) bool {
	if mode == ModeExtreme {
		return true
	}
	if danger == tools.DangerSafe {
		return true
	}
	switch mode {
	case ModeSafe:
		return false
	case ModeExpert:
		return danger == tools.DangerMedium || mem.Has(name)
	default:
		return mem.Has(name)
	}
}

// Policy evaluates calls against a registry's effective danger levels.
type Policy struct {
	Registry *tools.Registry
}

// IsAutoApproved looks up the tool's danger level and applies the rules.
func (p Policy) IsAutoApproved(name string, mode Mode, mem *Memory) bool {
	return IsAutoApproved(name, p.Registry.Danger(name), mode, mem)
}

// Partition splits a batch into calls that may run now and calls that need
// the user. Auto calls are marked approved.
func (p Policy) Partition(calls []*tools.Call, mode Mode, mem *Memory) (auto, needsApproval []*tools.Call) {
	for _, c := range calls {
		if p.IsAutoApproved(c.Name, mode, mem) {
			c.Status = tools.StatusApproved
			auto = append(auto, c)
			continue
		}
		needsApproval = append(needsApproval, c)
	}
	return auto, needsApproval
}

// Decision is the user's answer to a pending approval.
type Decision string

const (
	ApproveOnce       Decision = "approve-once"
	ApproveForSession Decision = "approve-for-session"
	Reject            Decision = "reject"
)

// ParseDecision parses a decision name or its one-letter shortcut.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "o", "once", string(ApproveOnce):
		return ApproveOnce, nil
	case "s", "session", string(ApproveForSession):
		return ApproveForSession, nil
	case "r", "reject", "n", "no":
		return Reject, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Apply records a decision on a call. Approving for the session also adds
// the tool to mem.
func Apply(d Decision, c *tools.Call, mem *Memory) {
	switch d {
	case ApproveForSession:
		mem.Add(c.Name)
		c.Status = tools.StatusApproved
	case ApproveOnce:
		c.Status = tools.StatusApproved
	default:
		c.Status = tools.StatusRejected
	}
}
