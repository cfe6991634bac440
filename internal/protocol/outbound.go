package protocol

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// PreviewLength bounds the tool result preview shown to clients.
const PreviewLength = 200

// Event is a server frame. Every event serializes with a "type" discriminator.
type Event interface {
	Type() string
	isEvent()
}

// StreamEvent carries a text delta.
type StreamEvent struct {
	Chunk     string    `json:"chunk"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCallEvent announces a tool invocation as it starts executing.
type ToolCallEvent struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Timestamp time.Time       `json:"timestamp"`
}

// ToolResultEvent reports a finished tool invocation.
type ToolResultEvent struct {
	ToolUseID  string          `json:"toolUseId"`
	Name       string          `json:"name"`
	Status     string          `json:"status"`
	Preview    string          `json:"preview"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs"`
	Timestamp  time.Time       `json:"timestamp"`
}

// CompleteEvent ends a turn.
type CompleteEvent struct {
	StopReason string `json:"stopReason"`
	Steps      int    `json:"steps"`
	// Duration of the turn in milliseconds.
	Duration  int64     `json:"duration"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent reports a failed request or turn.
type ErrorEvent struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// PongEvent answers a ping.
type PongEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

func (StreamEvent) Type() string     { return "stream" }
func (ToolCallEvent) Type() string   { return "tool_call" }
func (ToolResultEvent) Type() string { return "tool_result" }
func (CompleteEvent) Type() string   { return "complete" }
func (ErrorEvent) Type() string      { return "error" }
func (PongEvent) Type() string       { return "pong" }

func (StreamEvent) isEvent()     {}
func (ToolCallEvent) isEvent()   {}
func (ToolResultEvent) isEvent() {}
func (CompleteEvent) isEvent()   {}
func (ErrorEvent) isEvent()      {}
func (PongEvent) isEvent()       {}

func (e StreamEvent) MarshalJSON() ([]byte, error) {
	type alias StreamEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e ToolCallEvent) MarshalJSON() ([]byte, error) {
	type alias ToolCallEvent
	if len(e.Input) == 0 {
		e.Input = json.RawMessage(`{}`)
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e ToolResultEvent) MarshalJSON() ([]byte, error) {
	type alias ToolResultEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e CompleteEvent) MarshalJSON() ([]byte, error) {
	type alias CompleteEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	type alias ErrorEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e PongEvent) MarshalJSON() ([]byte, error) {
	type alias PongEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

// Preview shortens s to PreviewLength runes.
func Preview(s string) string {
	if utf8.RuneCountInString(s) <= PreviewLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:PreviewLength]) + "..."
}
