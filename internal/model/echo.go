package model

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/ashureev/agentstream/internal/domain"
)

// CalcPrefix makes the echo gateway call the calculate tool with the rest of the message.
const CalcPrefix = "calc:"

// EchoGateway is an offline gateway for local development. It streams the last
// user message back word by word. A message starting with CalcPrefix is turned
// into a calculate tool call, and the tool outcome is echoed on the next request.
type EchoGateway struct {
	// Delay between words; zero streams without pauses.
	Delay time.Duration
}

// NewEchoGateway creates an echo gateway.
func NewEchoGateway(delay time.Duration) *EchoGateway {
	return &EchoGateway{Delay: delay}
}

// StreamCompletion implements Gateway.
func (g *EchoGateway) StreamCompletion(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if len(req.History) == 0 {
			yield(nil, fmt.Errorf("echo: empty history"))
			return
		}
		last := req.History[len(req.History)-1]

		switch last.Role {
		case domain.RoleToolResult:
			var parts []string
			for _, o := range last.ToolResults() {
				parts = append(parts, fmt.Sprintf("%s: %s", o.Status, o.Payload))
			}
			g.streamWords(ctx, "Tool said "+strings.Join(parts, ", "), yield)
		case domain.RoleUser:
			text := strings.TrimSpace(last.Text())
			if expr, ok := strings.CutPrefix(text, CalcPrefix); ok && hasTool(req, "calculate") {
				input, _ := json.Marshal(map[string]string{"expression": strings.TrimSpace(expr)})
				id := fmt.Sprintf("echo-%d", len(req.History))
				if !yield(ToolCallStart{ID: id, Name: "calculate"}, nil) {
					return
				}
				if !yield(ToolCallInputDelta{ID: id, Fragment: string(input)}, nil) {
					return
				}
				yield(Stop{Reason: StopToolUse}, nil)
				return
			}
			g.streamWords(ctx, text, yield)
		default:
			yield(nil, fmt.Errorf("echo: unexpected trailing %s message", last.Role))
		}
	}
}

func (g *EchoGateway) streamWords(ctx context.Context, text string, yield func(Event, error) bool) {
	for i, word := range strings.Fields(text) {
		if i > 0 {
			word = " " + word
		}
		if g.Delay > 0 {
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case <-time.After(g.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		if !yield(TextDelta{Text: word}, nil) {
			return
		}
	}
	yield(Stop{Reason: StopEndTurn}, nil)
}

func hasTool(req Request, name string) bool {
	for _, t := range req.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}
