package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/itsharex/aeroftp-sub001/internal/agent/macro"
	"github.com/itsharex/aeroftp-sub001/internal/agent/model"
	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
)

// Status represents the state of a pending approval.
type Status string

const (
	StatusPending Status = "pending"
	StatusResumed Status = "resumed"
	StatusExpired Status = "expired"
)

// ExecutionState is the resumable context saved when the loop stops to ask
// the user about a batch of tool calls.
type ExecutionState struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	Messages       []model.Message `json:"messages"`
	// Pending calls need a user decision; Auto calls were approved by policy
	// and are deferred so the batch runs together.
	Pending    []*tools.Call `json:"pending"`
	Auto       []*tools.Call `json:"auto,omitempty"`
	StepCount  int           `json:"stepCount"`
	Signatures []string      `json:"signatures,omitempty"`
	// Folded holds results already produced in this step, rendered for the model.
	Folded []string `json:"folded,omitempty"`
	// Macro is set when a macro paused on one of its steps.
	Macro     *MacroContinuation `json:"macro,omitempty"`
	Status    Status             `json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

// MacroContinuation is a macro invocation paused before a step that needs
// the user. Paused.Pending is the call shown for approval.
type MacroContinuation struct {
	Call    *tools.Call    `json:"call"`
	Paused  macro.Outcome  `json:"-"`
	Counter *macro.Counter `json:"counter"`
}

// Store keeps pending executions in memory until they are resumed or expire.
type Store struct {
	mu             sync.RWMutex
	executions     map[string]*ExecutionState
	defaultTimeout time.Duration
	maxPending     int
	now            func() time.Time
}

// StoreConfig configures the approval store.
type StoreConfig struct {
	DefaultTimeout time.Duration // Default 30 minutes
	MaxPending     int           // Maximum pending executions (default 100)
}

// NewStore creates a new approval store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}
	if cfg.MaxPending == 0 {
		cfg.MaxPending = 100
	}
	return &Store{
		executions:     make(map[string]*ExecutionState),
		defaultTimeout: cfg.DefaultTimeout,
		maxPending:     cfg.MaxPending,
		now:            time.Now,
	}
}

// Create saves an execution state and assigns its ID.
func (s *Store) Create(state *ExecutionState) error {
	if len(state.Pending) == 0 {
		return fmt.Errorf("execution has no calls awaiting approval")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending := 0
	for _, e := range s.executions {
		if e.Status == StatusPending {
			pending++
		}
	}
	if pending >= s.maxPending {
		return fmt.Errorf("maximum pending approvals (%d) reached", s.maxPending)
	}

	if state.ID == "" {
		state.ID = uuid.NewString()
	}
	state.Status = StatusPending
	state.CreatedAt = s.now()
	if state.ExpiresAt.IsZero() {
		state.ExpiresAt = state.CreatedAt.Add(s.defaultTimeout)
	}
	s.executions[state.ID] = state

	names := make([]string, 0, len(state.Pending))
	for _, c := range state.Pending {
		names = append(names, c.Name)
	}
	log.Info().
		Str("id", state.ID).
		Str("conversation_id", state.ConversationID).
		Strs("tools", names).
		Msg("Stored execution awaiting approval")

	return nil
}

// Get returns a pending execution by ID.
func (s *Store) Get(id string) (*ExecutionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.executions[id]
	if !ok || state.Status != StatusPending || s.now().After(state.ExpiresAt) {
		return nil, false
	}
	return state, true
}

// Take removes a pending execution so it can be resumed. Each execution can
// be taken once.
func (s *Store) Take(id string) (*ExecutionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("pending approval not found: %s", id)
	}
	if state.Status != StatusPending {
		return nil, fmt.Errorf("pending approval %s is not pending (status: %s)", id, state.Status)
	}
	if s.now().After(state.ExpiresAt) {
		state.Status = StatusExpired
		return nil, fmt.Errorf("pending approval %s has expired (expires_at: %v)", id, state.ExpiresAt)
	}

	state.Status = StatusResumed
	delete(s.executions, id)
	return state, nil
}

// Pending returns all live pending executions, oldest first.
func (s *Store) Pending() []*ExecutionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var out []*ExecutionState
	for _, e := range s.executions {
		if e.Status == StatusPending && !now.After(e.ExpiresAt) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Delete removes an execution.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.executions, id)
	s.mu.Unlock()
}

// DeleteConversation removes every execution of a conversation.
func (s *Store) DeleteConversation(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.executions {
		if e.ConversationID == conversationID {
			delete(s.executions, id)
			removed++
		}
	}
	return removed
}

// CleanupExpired removes expired executions.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0
	for id, e := range s.executions {
		if now.After(e.ExpiresAt) {
			delete(s.executions, id)
			cleaned++
		}
	}
	return cleaned
}

// StartCleanup expires stale executions every interval until ctx is done.
func (s *Store) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Debug().Msg("Approval store cleanup loop stopped")
				return
			case <-ticker.C:
				if cleaned := s.CleanupExpired(); cleaned > 0 {
					log.Debug().Int("count", cleaned).Msg("Cleaned up expired approvals")
				}
			}
		}
	}()
}
