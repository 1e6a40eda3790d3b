package model

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Thinking  string        `json:"thinking,omitempty"`
	ToolCalls []*tools.Call `json:"toolCalls,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewMessage creates a message with a fresh ID.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Usage is the token and cost accounting reported for one turn.
type Usage struct {
	InputTokens  int     `json:"inputTokens,omitempty"`
	OutputTokens int     `json:"outputTokens,omitempty"`
	CostUSD      float64 `json:"costUsd,omitempty"`
	// CostReported is false when the provider gave tokens but no cost.
	CostReported bool `json:"costReported,omitempty"`
}

// Request is a single conversation turn sent to the model.
type Request struct {
	Provider string             `json:"provider"`
	Model    string             `json:"model"`
	Messages []Message          `json:"messages"`
	Tools    []tools.Definition `json:"tools,omitempty"`
}

// Reply is the model's answer to a turn.
type Reply struct {
	Content   string        `json:"content"`
	Thinking  string        `json:"thinking,omitempty"`
	ToolCalls []*tools.Call `json:"toolCalls,omitempty"`
	Usage     Usage         `json:"usage"`
}

// Service sends a conversation turn and returns the complete reply.
type Service interface {
	SendTurn(ctx context.Context, req Request) (Reply, error)
}

// ToolCallFragment is a piece of a tool call delivered by a stream. Fragments
// with the same ID are concatenated; Arguments holds raw JSON text.
type ToolCallFragment struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamEvent is one incremental chunk of a streaming reply.
type StreamEvent struct {
	Content      string             `json:"content"`
	Thinking     string             `json:"thinking,omitempty"`
	ToolCalls    []ToolCallFragment `json:"tool_calls,omitempty"`
	InputTokens  int                `json:"input_tokens,omitempty"`
	OutputTokens int                `json:"output_tokens,omitempty"`
	CostUSD      float64            `json:"cost_usd,omitempty"`
	Done         bool               `json:"done"`
}

// StreamingService streams a reply as events keyed by a caller-chosen session
// ID. The stream ends with a Done event; a provider error is delivered as a
// Done event whose content starts with "Error: ".
type StreamingService interface {
	StreamTurn(ctx context.Context, sessionID string, req Request, emit func(sessionID string, ev StreamEvent)) error
}
