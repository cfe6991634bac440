// Package model defines the streaming chat-completion gateway used by the agent loop.
package model

import (
	"context"
	"iter"

	"github.com/ashureev/agentstream/internal/domain"
	"github.com/ashureev/agentstream/internal/tool"
)

// StopReason explains why the model ended a response.
type StopReason string

const (
	// StopEndTurn means the model finished its answer.
	StopEndTurn StopReason = "end_turn"
	// StopToolUse means the model is waiting for tool outcomes.
	StopToolUse StopReason = "tool_use"
	// StopMaxTokens means the response hit the token limit.
	StopMaxTokens StopReason = "max_tokens"
	// StopError means the provider aborted the response.
	StopError StopReason = "error"
)

// Params are per-request inference parameters. Nil fields use provider defaults.
type Params struct {
	Temperature *float64
	MaxTokens   *int
}

// Request is one completion call.
type Request struct {
	History      []domain.Message
	Tools        []tool.Spec
	SystemPrompt string
	Params       Params
}

// Gateway streams a completion for a request.
//
// The returned sequence yields events in model order and ends after exactly one
// Stop event. Tool input fragments for an id concatenate to one JSON value by
// the time Stop arrives. A failed call yields a non-nil error and ends. Breaking
// out of the loop or cancelling ctx releases the upstream stream.
type Gateway interface {
	StreamCompletion(ctx context.Context, req Request) iter.Seq2[Event, error]
}

// Event is one item of a completion stream: TextDelta, ToolCallStart,
// ToolCallInputDelta or Stop.
type Event interface {
	isEvent()
}

// TextDelta is a piece of assistant text.
type TextDelta struct {
	Text string
}

// ToolCallStart opens a tool invocation.
type ToolCallStart struct {
	ID   string
	Name string
}

// ToolCallInputDelta carries a fragment of a tool invocation's JSON input.
type ToolCallInputDelta struct {
	ID       string
	Fragment string
}

// Stop terminates the stream.
type Stop struct {
	Reason StopReason
}

func (TextDelta) isEvent()          {}
func (ToolCallStart) isEvent()      {}
func (ToolCallInputDelta) isEvent() {}
func (Stop) isEvent()               {}
