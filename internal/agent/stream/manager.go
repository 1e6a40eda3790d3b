// Package stream correlates streaming model replies with the request that
// started them and turns them into complete replies.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/itsharex/aeroftp-sub001/internal/agent/model"
	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
	agenterrors "github.com/itsharex/aeroftp-sub001/internal/errors"
)

const (
	DefaultTimeout = 120 * time.Second
	// MaxContentBytes caps the buffered text of one session.
	MaxContentBytes = 50 * 1024 * 1024
)

const errorPrefix = "Error: "

type callBuffer struct {
	name string
	args strings.Builder
}

// Session accumulates the events of one streaming reply.
type Session struct {
	ID string

	mu           sync.Mutex
	content      strings.Builder
	thinking     strings.Builder
	calls        map[string]*callBuffer
	callOrder    []string
	inputTokens  int
	outputTokens int
	costUSD      float64
	costReported bool
	truncated    bool
	providerErr  string
	done         bool
	doneCh       chan struct{}
	maxContent   int
}

func newSession(id string, maxContent int) *Session {
	return &Session{
		ID:         id,
		calls:      make(map[string]*callBuffer),
		doneCh:     make(chan struct{}),
		maxContent: maxContent,
	}
}

func (s *Session) apply(ev model.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}

	content := ev.Content
	if ev.Done && strings.HasPrefix(content, errorPrefix) {
		s.providerErr = strings.TrimPrefix(content, errorPrefix)
		content = ""
	}
	if content != "" {
		if s.truncated || s.content.Len()+len(content) > s.maxContent {
			if !s.truncated {
				log.Warn().Str("session_id", s.ID).Int("limit", s.maxContent).Msg("Stream content exceeded buffer limit, truncating")
			}
			s.truncated = true
		} else {
			s.content.WriteString(content)
		}
	}
	s.thinking.WriteString(ev.Thinking)

	for _, frag := range ev.ToolCalls {
		buf, ok := s.calls[frag.ID]
		if !ok {
			buf = &callBuffer{}
			s.calls[frag.ID] = buf
			s.callOrder = append(s.callOrder, frag.ID)
		}
		if frag.Name != "" {
			buf.name = frag.Name
		}
		buf.args.WriteString(frag.Arguments)
	}

	if ev.InputTokens > 0 {
		s.inputTokens = ev.InputTokens
	}
	if ev.OutputTokens > 0 {
		s.outputTokens = ev.OutputTokens
	}
	if ev.CostUSD > 0 {
		s.costUSD = ev.CostUSD
		s.costReported = true
	}

	if ev.Done {
		s.done = true
		close(s.doneCh)
	}
}

// Reply builds the reply accumulated so far.
func (s *Session) Reply() model.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := model.Reply{
		Content:  s.content.String(),
		Thinking: s.thinking.String(),
		Usage: model.Usage{
			InputTokens:  s.inputTokens,
			OutputTokens: s.outputTokens,
			CostUSD:      s.costUSD,
			CostReported: s.costReported,
		},
	}
	for _, id := range s.callOrder {
		buf := s.calls[id]
		if buf.name == "" {
			continue
		}
		r.ToolCalls = append(r.ToolCalls, tools.NewCall(id, buf.name, decodeArgs(id, buf.args.String())))
	}
	return r
}

func decodeArgs(id, raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		log.Warn().Err(err).Str("call_id", id).Msg("Tool call arguments are not valid JSON")
		return map[string]any{"raw_arguments": raw}
	}
	return args
}

// Manager routes stream events to open sessions.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	timeout    time.Duration
	maxContent int
}

// NewManager creates a manager. A non-positive timeout uses DefaultTimeout.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		timeout:    timeout,
		maxContent: MaxContentBytes,
	}
}

// Timeout returns the per-session deadline.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Open registers a session. An empty id gets a generated one.
func (m *Manager) Open(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	s := newSession(id, m.maxContent)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s
}

// Deliver routes an event to its session. It reports false for unknown or
// already closed sessions, whose events are dropped.
func (m *Manager) Deliver(sessionID string, ev model.StreamEvent) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		log.Debug().Str("session_id", sessionID).Msg("Dropping event for unknown stream session")
		return false
	}
	s.apply(ev)
	return true
}

// Active returns the number of open sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) close(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Wait blocks until the session is done, the timeout expires, or ctx ends,
// then closes the session. On timeout the partial reply is returned with a
// notice appended, together with a StreamTimeout error.
func (m *Manager) Wait(ctx context.Context, s *Session) (model.Reply, error) {
	return m.wait(ctx, s, nil)
}

func (m *Manager) wait(ctx context.Context, s *Session, failed <-chan error) (model.Reply, error) {
	defer m.close(s.ID)

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	for {
		select {
		case <-s.doneCh:
			reply := s.Reply()
			s.mu.Lock()
			providerErr := s.providerErr
			s.mu.Unlock()
			if providerErr != "" {
				return reply, fmt.Errorf("model stream: %s", providerErr)
			}
			return reply, nil

		case err := <-failed:
			failed = nil
			if err != nil {
				// An error delivered as a done event is reported from doneCh.
				select {
				case <-s.doneCh:
					continue
				default:
				}
				return s.Reply(), fmt.Errorf("model stream: %w", err)
			}

		case <-timer.C:
			reply := s.Reply()
			reply.Content += fmt.Sprintf("\n\n[Response timed out after %s]", m.timeout)
			log.Warn().Str("session_id", s.ID).Dur("timeout", m.timeout).Msg("Stream session timed out")
			return reply, agenterrors.StreamTimeout(s.ID, m.timeout)

		case <-ctx.Done():
			return s.Reply(), ctx.Err()
		}
	}
}

// Run opens a session, starts svc streaming into it, and waits for the result.
// The stream's context is cancelled when Run returns, including on timeout.
func (m *Manager) Run(ctx context.Context, svc model.StreamingService, req model.Request) (model.Reply, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := m.Open("")
	failed := make(chan error, 1)
	go func() {
		failed <- svc.StreamTurn(ctx, s.ID, req, func(id string, ev model.StreamEvent) {
			m.Deliver(id, ev)
		})
	}()
	return m.wait(ctx, s, failed)
}

// Service adapts a streaming model to model.Service.
type Service struct {
	Manager   *Manager
	Streaming model.StreamingService
}

// NewService creates a Service.
func NewService(m *Manager, svc model.StreamingService) *Service {
	return &Service{Manager: m, Streaming: svc}
}

// SendTurn implements model.Service.
func (s *Service) SendTurn(ctx context.Context, req model.Request) (model.Reply, error) {
	return s.Manager.Run(ctx, s.Streaming, req)
}

// IsTimeout reports whether err is a stream timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, agenterrors.ErrStreamTimeout)
}
