package channel

import (
	"context"
	"slices"
	"testing"

	"github.com/ashureev/agentstream/internal/protocol"
)

type plainChannel struct {
	log *[]string
}

func (p plainChannel) Send(_ context.Context, ev protocol.Event) error {
	*p.log = append(*p.log, "send:"+ev.Type())
	return nil
}

func (p plainChannel) Close(string) error { return nil }

type finishingChannel struct {
	plainChannel
}

func (f finishingChannel) SendAfter(ctx context.Context, fn func(), ev protocol.Event) error {
	*f.log = append(*f.log, "held")
	fn()
	return f.Send(ctx, ev)
}

func TestSendFinal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ch   func(log *[]string) Channel
		want []string
	}{
		{
			name: "plain channel runs hook then sends",
			ch:   func(log *[]string) Channel { return plainChannel{log: log} },
			want: []string{"hook", "send:complete"},
		},
		{
			name: "finisher runs hook while sends are held",
			ch:   func(log *[]string) Channel { return finishingChannel{plainChannel{log: log}} },
			want: []string{"held", "hook", "send:complete"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var log []string
			err := SendFinal(context.Background(), tt.ch(&log), func() { log = append(log, "hook") }, protocol.CompleteEvent{})
			if err != nil {
				t.Fatalf("SendFinal: %v", err)
			}
			if !slices.Equal(log, tt.want) {
				t.Fatalf("calls = %v, want %v", log, tt.want)
			}
		})
	}
}
