package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
)

// ScriptedTurn is one canned reply in a replay script.
type ScriptedTurn struct {
	Content      string         `json:"content"`
	Thinking     string         `json:"thinking,omitempty"`
	ToolCalls    []ScriptedCall `json:"tool_calls,omitempty"`
	InputTokens  int            `json:"input_tokens,omitempty"`
	OutputTokens int            `json:"output_tokens,omitempty"`
	CostUSD      *float64       `json:"cost_usd,omitempty"`
}

// ScriptedCall is a tool call in a replay script.
type ScriptedCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ScriptedService replays canned replies in order. It serves offline runs of
// the CLI and tests that need a deterministic model.
type ScriptedService struct {
	mu    sync.Mutex
	turns []ScriptedTurn
	next  int
	// Requests records every request received, for inspection.
	Requests []Request
}

// NewScriptedService creates a service that replays turns.
func NewScriptedService(turns []ScriptedTurn) *ScriptedService {
	return &ScriptedService{turns: turns}
}

// LoadScript reads a JSON array of ScriptedTurn from path.
func LoadScript(path string) (*ScriptedService, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var turns []ScriptedTurn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	return NewScriptedService(turns), nil
}

// SendTurn implements Service.
func (s *ScriptedService) SendTurn(ctx context.Context, req Request) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	turn, err := s.advance(req)
	if err != nil {
		return Reply{}, err
	}
	return turn.reply(), nil
}

// StreamTurn implements StreamingService by splitting the content into
// word-sized chunks followed by a final Done event.
func (s *ScriptedService) StreamTurn(ctx context.Context, sessionID string, req Request, emit func(string, StreamEvent)) error {
	turn, err := s.advance(req)
	if err != nil {
		emit(sessionID, StreamEvent{Content: "Error: " + err.Error(), Done: true})
		return err
	}

	if turn.Thinking != "" {
		emit(sessionID, StreamEvent{Thinking: turn.Thinking})
	}
	for _, word := range strings.SplitAfter(turn.Content, " ") {
		if err := ctx.Err(); err != nil {
			return err
		}
		if word != "" {
			emit(sessionID, StreamEvent{Content: word})
		}
	}
	final := StreamEvent{Done: true, InputTokens: turn.InputTokens, OutputTokens: turn.OutputTokens}
	if turn.CostUSD != nil {
		final.CostUSD = *turn.CostUSD
	}
	for i, c := range turn.ToolCalls {
		args, _ := json.Marshal(c.Arguments)
		id := c.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", sessionID, i)
		}
		final.ToolCalls = append(final.ToolCalls, ToolCallFragment{ID: id, Name: c.Name, Arguments: string(args)})
	}
	emit(sessionID, final)
	return nil
}

// Remaining reports how many turns have not been replayed yet.
func (s *ScriptedService) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns) - s.next
}

func (s *ScriptedService) advance(req Request) (ScriptedTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Requests = append(s.Requests, req)
	if s.next >= len(s.turns) {
		return ScriptedTurn{}, fmt.Errorf("script exhausted after %d turns", len(s.turns))
	}
	turn := s.turns[s.next]
	s.next++
	return turn, nil
}

func (t ScriptedTurn) reply() Reply {
	r := Reply{
		Content:  t.Content,
		Thinking: t.Thinking,
		Usage:    Usage{InputTokens: t.InputTokens, OutputTokens: t.OutputTokens},
	}
	if t.CostUSD != nil {
		r.Usage.CostUSD = *t.CostUSD
		r.Usage.CostReported = true
	}
	for _, c := range t.ToolCalls {
		r.ToolCalls = append(r.ToolCalls, tools.NewCall(c.ID, c.Name, c.Arguments))
	}
	return r
}
