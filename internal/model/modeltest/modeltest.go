// Package modeltest provides a scripted model.Gateway for tests.
package modeltest

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/ashureev/agentstream/internal/model"
)

// Response is one scripted completion.
type Response struct {
	Events []model.Event
	// Err is yielded after Events when set.
	Err error
	// Hang blocks after Events until the request context is cancelled.
	Hang bool
}

// Text scripts a plain answer streamed as the given chunks.
func Text(chunks ...string) Response {
	events := make([]model.Event, 0, len(chunks)+1)
	for _, c := range chunks {
		events = append(events, model.TextDelta{Text: c})
	}
	return Response{Events: append(events, model.Stop{Reason: model.StopEndTurn})}
}

// ToolCall scripts a single tool invocation whose input arrives in two fragments.
func ToolCall(id, name, input string) Response {
	half := len(input) / 2
	return Response{Events: []model.Event{
		model.ToolCallStart{ID: id, Name: name},
		model.ToolCallInputDelta{ID: id, Fragment: input[:half]},
		model.ToolCallInputDelta{ID: id, Fragment: input[half:]},
		model.Stop{Reason: model.StopToolUse},
	}}
}

// Failure scripts a call that fails before producing anything.
func Failure(err error) Response {
	return Response{Err: err}
}

// Gateway replays Responses in order, one per StreamCompletion call.
type Gateway struct {
	mu         sync.Mutex
	responses  []Response
	repeatLast bool
	calls      []model.Request
}

var _ model.Gateway = (*Gateway)(nil)

// NewGateway creates a gateway scripted with responses.
func NewGateway(responses ...Response) *Gateway {
	return &Gateway{responses: responses}
}

// RepeatLast makes the final response answer every call beyond the script.
func (g *Gateway) RepeatLast() *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.repeatLast = true
	return g
}

// Calls returns the requests received so far.
func (g *Gateway) Calls() []model.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.calls)
}

// StreamCompletion implements model.Gateway.
func (g *Gateway) StreamCompletion(ctx context.Context, req model.Request) iter.Seq2[model.Event, error] {
	g.mu.Lock()
	n := len(g.calls)
	req.History = slices.Clone(req.History)
	g.calls = append(g.calls, req)

	var (
		resp Response
		ok   bool
	)
	switch {
	case n < len(g.responses):
		resp, ok = g.responses[n], true
	case g.repeatLast && len(g.responses) > 0:
		resp, ok = g.responses[len(g.responses)-1], true
	}
	g.mu.Unlock()

	return func(yield func(model.Event, error) bool) {
		if !ok {
			yield(nil, fmt.Errorf("modeltest: unscripted call %d", n+1))
			return
		}
		for _, ev := range resp.Events {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if resp.Hang {
			<-ctx.Done()
			yield(nil, ctx.Err())
			return
		}
		if resp.Err != nil {
			yield(nil, resp.Err)
		}
	}
}
