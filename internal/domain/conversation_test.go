package domain

import (
	"encoding/json"
	"testing"
)

func assistantWithTool(id, name string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{
		TextBlock("let me check"),
		{ToolUse: &ToolInvocation{ID: id, Name: name, Input: json.RawMessage(`{}`)}},
	}}
}

func outcome(id string) ToolOutcome {
	return ToolOutcome{ToolUseID: id, Status: ToolStatusSuccess, Payload: json.RawMessage(`{"ok":true}`)}
}

func TestCheckHistory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		history []Message
		wantErr bool
	}{
		{name: "empty", history: nil},
		{
			name: "simple exchange",
			history: []Message{
				NewUserMessage("hi"),
				{Role: RoleAssistant, Content: []ContentBlock{TextBlock("hello")}},
			},
		},
		{
			name: "tool round trip",
			history: []Message{
				NewUserMessage("2+2?"),
				assistantWithTool("t1", "calculate"),
				NewToolResultMessage([]ToolOutcome{outcome("t1")}),
				{Role: RoleAssistant, Content: []ContentBlock{TextBlock("4")}},
			},
		},
		{
			name: "user after capped tool results",
			history: []Message{
				NewUserMessage("loop"),
				assistantWithTool("t1", "calculate"),
				NewToolResultMessage([]ToolOutcome{outcome("t1")}),
				NewUserMessage("again"),
			},
		},
		{
			name:    "consecutive users",
			history: []Message{NewUserMessage("a"), NewUserMessage("b")},
			wantErr: true,
		},
		{
			name: "orphaned outcome",
			history: []Message{
				NewUserMessage("2+2?"),
				assistantWithTool("t1", "calculate"),
				NewToolResultMessage([]ToolOutcome{outcome("t9")}),
			},
			wantErr: true,
		},
		{
			name: "missing outcome",
			history: []Message{
				NewUserMessage("2+2?"),
				assistantWithTool("t1", "calculate"),
				NewToolResultMessage(nil),
			},
			wantErr: true,
		},
		{
			name:    "starts with assistant",
			history: []Message{{Role: RoleAssistant, Content: []ContentBlock{TextBlock("x")}}},
			wantErr: true,
		},
		{
			name: "user while tools pending",
			history: []Message{
				NewUserMessage("2+2?"),
				assistantWithTool("t1", "calculate"),
				NewUserMessage("hello?"),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckHistory(tt.history)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckHistory() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAppendUserTextMergesAfterAbortedTurn(t *testing.T) {
	t.Parallel()

	history := AppendUserText(nil, "first")
	history = AppendUserText(history, "second")

	if len(history) != 1 {
		t.Fatalf("expected merged user message, got %d messages", len(history))
	}
	if got := history[0].Text(); got != "firstsecond" {
		t.Fatalf("unexpected text %q", got)
	}
	if err := CheckHistory(history); err != nil {
		t.Fatalf("merged history invalid: %v", err)
	}
}

func TestMessageJSONShape(t *testing.T) {
	t.Parallel()

	msg := assistantWithTool("t1", "calculate")
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"role":"assistant","content":[{"text":"let me check"},{"toolUse":{"id":"t1","name":"calculate","input":{}}}]}`
	if string(data) != want {
		t.Fatalf("unexpected json:\n got %s\nwant %s", data, want)
	}
}
