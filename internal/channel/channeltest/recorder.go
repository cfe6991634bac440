// Package channeltest provides an in-memory channel.Channel for tests.
package channeltest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/agentstream/internal/channel"
	"github.com/ashureev/agentstream/internal/protocol"
)

// Recorder keeps every event sent to it.
type Recorder struct {
	mu     sync.Mutex
	events []protocol.Event
	gone   bool
	closed bool
	notify chan struct{}
}

var (
	_ channel.Channel  = (*Recorder)(nil)
	_ channel.Finisher = (*Recorder)(nil)
)

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Send implements channel.Channel.
func (r *Recorder) Send(ctx context.Context, ev protocol.Event) error {
	return r.SendAfter(ctx, nil, ev)
}

// SendAfter implements channel.Finisher.
func (r *Recorder) SendAfter(_ context.Context, fn func(), ev protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn != nil {
		fn()
	}
	if r.gone {
		return channel.ErrGone
	}
	r.events = append(r.events, ev)
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close implements channel.Channel.
func (r *Recorder) Close(string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.gone = true
	return nil
}

// Disconnect makes further sends fail with channel.ErrGone.
func (r *Recorder) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gone = true
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Types returns the type of every recorded event in order.
func (r *Recorder) Types() []string {
	events := r.Events()
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type()
	}
	return types
}

// WaitFor blocks until an event of the given type is recorded or the timeout passes.
func (r *Recorder) WaitFor(typ string, timeout time.Duration) (protocol.Event, bool) {
	deadline := time.After(timeout)
	for {
		for _, ev := range r.Events() {
			if ev.Type() == typ {
				return ev, true
			}
		}
		select {
		case <-r.notify:
		case <-deadline:
			return nil, false
		}
	}
}
