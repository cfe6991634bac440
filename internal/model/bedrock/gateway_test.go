package bedrock

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Laisky/errors/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentstream/internal/domain"
	"github.com/ashureev/agentstream/internal/model"
	"github.com/ashureev/agentstream/internal/tool"
)

type fakeStream struct {
	events chan types.ConverseStreamOutput
	err    error
	closed bool
}

func newFakeStream(events ...types.ConverseStreamOutput) *fakeStream {
	ch := make(chan types.ConverseStreamOutput, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return &fakeStream{events: ch}
}

func (f *fakeStream) Events() <-chan types.ConverseStreamOutput { return f.events }
func (f *fakeStream) Close() error                              { f.closed = true; return nil }
func (f *fakeStream) Err() error                                { return f.err }

func gatewayFor(stream *fakeStream, captured **bedrockruntime.ConverseStreamInput) *Gateway {
	return newGateway(func(_ context.Context, input *bedrockruntime.ConverseStreamInput) (eventStream, error) {
		if captured != nil {
			*captured = input
		}
		return stream, nil
	}, Config{ModelID: "anthropic.claude-test", DefaultMaxTokens: 1024}, nil)
}

func drain(g *Gateway, req model.Request) ([]model.Event, error) {
	var events []model.Event
	for ev, err := range g.StreamCompletion(context.Background(), req) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestStreamCompletionTranslatesEvents(t *testing.T) {
	stream := newFakeStream(
		&types.ConverseStreamOutputMemberMessageStart{Value: types.MessageStartEvent{Role: types.ConversationRoleAssistant}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &types.ContentBlockDeltaMemberText{Value: "Let me "},
		}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &types.ContentBlockDeltaMemberText{Value: "compute."},
		}},
		&types.ConverseStreamOutputMemberContentBlockStart{Value: types.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(1),
			Start: &types.ContentBlockStartMemberToolUse{Value: types.ToolUseBlockStart{
				ToolUseId: aws.String("tooluse_1"),
				Name:      aws.String("calculate"),
			}},
		}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta:             &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`{"expression":`)}},
		}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta:             &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`"2+2"}`)}},
		}},
		&types.ConverseStreamOutputMemberContentBlockStop{Value: types.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(1)}},
		&types.ConverseStreamOutputMemberMessageStop{Value: types.MessageStopEvent{StopReason: types.StopReasonToolUse}},
		&types.ConverseStreamOutputMemberMetadata{Value: types.ConverseStreamMetadataEvent{
			Usage: &types.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(5), TotalTokens: aws.Int32(15)},
		}},
	)

	events, err := drain(gatewayFor(stream, nil), model.Request{
		History: []domain.Message{domain.NewUserMessage("2+2?")},
	})
	require.NoError(t, err)
	require.Equal(t, []model.Event{
		model.TextDelta{Text: "Let me "},
		model.TextDelta{Text: "compute."},
		model.ToolCallStart{ID: "tooluse_1", Name: "calculate"},
		model.ToolCallInputDelta{ID: "tooluse_1", Fragment: `{"expression":`},
		model.ToolCallInputDelta{ID: "tooluse_1", Fragment: `"2+2"}`},
		model.Stop{Reason: model.StopToolUse},
	}, events)
	assert.True(t, stream.closed, "stream should be closed")
}

func TestStreamCompletionErrors(t *testing.T) {
	t.Run("stream error", func(t *testing.T) {
		stream := newFakeStream()
		stream.err = errors.New("throttled")

		_, err := drain(gatewayFor(stream, nil), model.Request{History: []domain.Message{domain.NewUserMessage("hi")}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "throttled")
	})

	t.Run("missing stop", func(t *testing.T) {
		stream := newFakeStream(&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &types.ContentBlockDeltaMemberText{Value: "partial"},
		}})

		events, err := drain(gatewayFor(stream, nil), model.Request{History: []domain.Message{domain.NewUserMessage("hi")}})
		require.Error(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("open failure", func(t *testing.T) {
		g := newGateway(func(context.Context, *bedrockruntime.ConverseStreamInput) (eventStream, error) {
			return nil, errors.New("access denied")
		}, Config{ModelID: "m"}, nil)

		_, err := drain(g, model.Request{History: []domain.Message{domain.NewUserMessage("hi")}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ConverseStream")
	})
}

func TestBuildInputConvertsHistory(t *testing.T) {
	temp := 0.2
	history := []domain.Message{
		domain.NewUserMessage("2+2?"),
		{Role: domain.RoleAssistant, Content: []domain.ContentBlock{
			domain.TextBlock("checking"),
			{ToolUse: &domain.ToolInvocation{ID: "t1", Name: "calculate", Input: json.RawMessage(`{"expression":"2+2"}`)}},
		}},
		domain.NewToolResultMessage([]domain.ToolOutcome{
			{ToolUseID: "t1", Status: domain.ToolStatusError, Payload: json.RawMessage(`{"error":"boom"}`)},
		}),
		domain.NewUserMessage("try again"),
	}

	var captured *bedrockruntime.ConverseStreamInput
	stream := newFakeStream(&types.ConverseStreamOutputMemberMessageStop{Value: types.MessageStopEvent{StopReason: types.StopReasonEndTurn}})
	_, err := drain(gatewayFor(stream, &captured), model.Request{
		History:      history,
		SystemPrompt: "be brief",
		Tools:        []tool.Spec{{Name: "calculate", Description: "math", InputSchema: &tool.Schema{Type: "object"}}},
		Params:       model.Params{Temperature: &temp},
	})
	require.NoError(t, err)
	require.NotNil(t, captured)

	assert.Equal(t, "anthropic.claude-test", aws.ToString(captured.ModelId))
	require.Len(t, captured.System, 1)
	assert.Equal(t, int32(1024), aws.ToInt32(captured.InferenceConfig.MaxTokens))
	assert.InDelta(t, 0.2, float64(aws.ToFloat32(captured.InferenceConfig.Temperature)), 0.0001)

	// tool_result and the following user message share the Bedrock user role.
	require.Len(t, captured.Messages, 3)
	assert.Equal(t, types.ConversationRoleUser, captured.Messages[0].Role)
	assert.Equal(t, types.ConversationRoleAssistant, captured.Messages[1].Role)
	assert.Equal(t, types.ConversationRoleUser, captured.Messages[2].Role)
	require.Len(t, captured.Messages[2].Content, 2)

	result, ok := captured.Messages[2].Content[0].(*types.ContentBlockMemberToolResult)
	require.True(t, ok)
	assert.Equal(t, "t1", aws.ToString(result.Value.ToolUseId))
	assert.Equal(t, types.ToolResultStatusError, result.Value.Status)

	use, ok := captured.Messages[1].Content[1].(*types.ContentBlockMemberToolUse)
	require.True(t, ok)
	assert.Equal(t, "calculate", aws.ToString(use.Value.Name))

	require.NotNil(t, captured.ToolConfig)
	require.Len(t, captured.ToolConfig.Tools, 1)
}

func TestConvertStopReason(t *testing.T) {
	cases := map[types.StopReason]model.StopReason{
		types.StopReasonEndTurn:         model.StopEndTurn,
		types.StopReasonStopSequence:    model.StopEndTurn,
		types.StopReasonToolUse:         model.StopToolUse,
		types.StopReasonMaxTokens:       model.StopMaxTokens,
		types.StopReasonContentFiltered: model.StopError,
	}
	for in, want := range cases {
		assert.Equal(t, want, convertStopReason(in), string(in))
	}
}
