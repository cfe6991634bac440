package model

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ashureev/agentstream/internal/domain"
	"github.com/ashureev/agentstream/internal/tool"
)

func collect(t *testing.T, g Gateway, req Request) ([]Event, error) {
	t.Helper()
	var events []Event
	for ev, err := range g.StreamCompletion(context.Background(), req) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestEchoGatewayStreamsWords(t *testing.T) {
	t.Parallel()

	events, err := collect(t, NewEchoGateway(0), Request{
		History: []domain.Message{domain.NewUserMessage("hello there world")},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var text strings.Builder
	for _, ev := range events[:len(events)-1] {
		delta, ok := ev.(TextDelta)
		if !ok {
			t.Fatalf("unexpected event %T", ev)
		}
		text.WriteString(delta.Text)
	}
	if text.String() != "hello there world" {
		t.Fatalf("unexpected text %q", text.String())
	}
	if stop, ok := events[len(events)-1].(Stop); !ok || stop.Reason != StopEndTurn {
		t.Fatalf("expected end_turn stop, got %#v", events[len(events)-1])
	}
}

func TestEchoGatewayCallsCalculate(t *testing.T) {
	t.Parallel()

	req := Request{
		History: []domain.Message{domain.NewUserMessage("calc: 2+2")},
		Tools:   []tool.Spec{{Name: "calculate"}},
	}
	events, err := collect(t, NewEchoGateway(0), req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	start := events[0].(ToolCallStart)
	delta := events[1].(ToolCallInputDelta)
	if start.Name != "calculate" || delta.ID != start.ID {
		t.Fatalf("unexpected tool call %+v %+v", start, delta)
	}
	var input map[string]string
	if err := json.Unmarshal([]byte(delta.Fragment), &input); err != nil || input["expression"] != "2+2" {
		t.Fatalf("unexpected input %q (%v)", delta.Fragment, err)
	}
	if events[2].(Stop).Reason != StopToolUse {
		t.Fatalf("expected tool_use stop")
	}
}

func TestEchoGatewayHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var gotErr error
	for _, err := range NewEchoGateway(0).StreamCompletion(ctx, Request{
		History: []domain.Message{domain.NewUserMessage("a b c")},
	}) {
		if err != nil {
			gotErr = err
			break
		}
	}
	if gotErr == nil {
		t.Fatal("expected cancellation error")
	}
}
