// Package domain contains core domain types for the agent stream server.
package domain

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a Message.
type Role string

const (
	// RoleUser marks a message typed by the connected client.
	RoleUser Role = "user"
	// RoleAssistant marks a message produced by the model.
	RoleAssistant Role = "assistant"
	// RoleToolResult marks a message carrying tool outcomes back to the model.
	RoleToolResult Role = "tool_result"
)

// ToolStatus is the result state of a tool execution.
type ToolStatus string

const (
	// ToolStatusSuccess indicates the executor returned a payload.
	ToolStatusSuccess ToolStatus = "success"
	// ToolStatusError indicates the executor failed; Payload describes the failure.
	ToolStatusError ToolStatus = "error"
)

// ToolInvocation is a request by the model to run a tool.
type ToolInvocation struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolOutcome is the result bound to a ToolInvocation ID.
type ToolOutcome struct {
	ToolUseID string          `json:"toolUseId"`
	Status    ToolStatus      `json:"status"`
	Payload   json.RawMessage `json:"payload"`
}

// ContentBlock holds exactly one of Text, ToolUse or ToolResult.
type ContentBlock struct {
	Text       string          `json:"text,omitempty"`
	ToolUse    *ToolInvocation `json:"toolUse,omitempty"`
	ToolResult *ToolOutcome    `json:"toolResult,omitempty"`
}

// Message is one turn in a conversation.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Text: text}
}

// NewUserMessage builds a user message holding a single text block.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// NewToolResultMessage builds a tool_result message from outcomes.
func NewToolResultMessage(outcomes []ToolOutcome) Message {
	msg := Message{Role: RoleToolResult, Content: make([]ContentBlock, 0, len(outcomes))}
	for i := range outcomes {
		o := outcomes[i]
		msg.Content = append(msg.Content, ContentBlock{ToolResult: &o})
	}
	return msg
}

// Text concatenates all text blocks of the message.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		out += b.Text
	}
	return out
}

// ToolUses returns the tool invocations of the message in emitted order.
func (m Message) ToolUses() []ToolInvocation {
	var uses []ToolInvocation
	for _, b := range m.Content {
		if b.ToolUse != nil {
			uses = append(uses, *b.ToolUse)
		}
	}
	return uses
}

// ToolResults returns the tool outcomes of the message in order.
func (m Message) ToolResults() []ToolOutcome {
	var results []ToolOutcome
	for _, b := range m.Content {
		if b.ToolResult != nil {
			results = append(results, *b.ToolResult)
		}
	}
	return results
}

// AppendUserText adds a user message to history. When the history already ends
// with a user message (left behind by an aborted turn) the text is added to that
// message instead, so two user messages never sit next to each other.
func AppendUserText(history []Message, text string) []Message {
	if n := len(history); n > 0 && history[n-1].Role == RoleUser {
		history[n-1].Content = append(history[n-1].Content, TextBlock(text))
		return history
	}
	return append(history, NewUserMessage(text))
}

// CheckHistory verifies the ordering rules of a conversation:
// it starts with a user message, user and tool_result messages are answered by
// the assistant, and every tool_result message answers exactly the tool
// invocations of the assistant message right before it.
func CheckHistory(history []Message) error {
	for i, msg := range history {
		switch msg.Role {
		case RoleUser:
			if i > 0 && history[i-1].Role == RoleUser {
				return fmt.Errorf("message %d: consecutive user messages", i)
			}
			if i > 0 && history[i-1].Role == RoleAssistant && len(history[i-1].ToolUses()) > 0 {
				return fmt.Errorf("message %d: user message while tool calls are pending", i)
			}
		case RoleAssistant:
			if i == 0 {
				return fmt.Errorf("message 0: history must start with a user message")
			}
			if history[i-1].Role == RoleAssistant {
				return fmt.Errorf("message %d: consecutive assistant messages", i)
			}
			for _, b := range msg.Content {
				if b.ToolResult != nil {
					return fmt.Errorf("message %d: assistant message carries a tool result", i)
				}
			}
		case RoleToolResult:
			if i == 0 || history[i-1].Role != RoleAssistant {
				return fmt.Errorf("message %d: tool_result must follow an assistant message", i)
			}
			if err := matchOutcomes(history[i-1].ToolUses(), msg); err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
		default:
			return fmt.Errorf("message %d: unknown role %q", i, msg.Role)
		}
	}
	return nil
}

func matchOutcomes(uses []ToolInvocation, msg Message) error {
	for _, b := range msg.Content {
		if b.ToolResult == nil {
			return fmt.Errorf("tool_result message carries a non-result block")
		}
	}
	results := msg.ToolResults()
	if len(results) != len(uses) {
		return fmt.Errorf("%d outcomes for %d tool calls", len(results), len(uses))
	}
	for i, use := range uses {
		if results[i].ToolUseID != use.ID {
			return fmt.Errorf("orphaned outcome %q, expected %q", results[i].ToolUseID, use.ID)
		}
	}
	return nil
}
