package bedrock

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/ashureev/agentstream/internal/domain"
	"github.com/ashureev/agentstream/internal/model"
	"github.com/ashureev/agentstream/internal/tool"
)

// buildInput converts a gateway request into a ConverseStream request.
func buildInput(modelID string, defaultMaxTokens int, req model.Request) (*bedrockruntime.ConverseStreamInput, error) {
	messages, err := convertMessages(req.History)
	if err != nil {
		return nil, errors.Wrap(err, "convert messages")
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(modelID),
		Messages:        messages,
		InferenceConfig: inferenceConfig(defaultMaxTokens, req.Params),
	}
	if req.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.SystemPrompt},
		}
	}
	if cfg := toolConfig(req.Tools); cfg != nil {
		input.ToolConfig = cfg
	}
	return input, nil
}

// convertMessages maps history onto Bedrock roles. Tool results travel as user
// content, so consecutive messages that land on the same Bedrock role are merged.
func convertMessages(history []domain.Message) ([]types.Message, error) {
	var out []types.Message
	for i, msg := range history {
		role := types.ConversationRoleUser
		if msg.Role == domain.RoleAssistant {
			role = types.ConversationRoleAssistant
		}

		blocks, err := convertBlocks(msg)
		if err != nil {
			return nil, errors.Wrapf(err, "message %d", i)
		}
		if len(blocks) == 0 {
			continue
		}

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}
	return out, nil
}

func convertBlocks(msg domain.Message) ([]types.ContentBlock, error) {
	blocks := make([]types.ContentBlock, 0, len(msg.Content))
	for _, b := range msg.Content {
		switch {
		case b.ToolUse != nil:
			var input any = map[string]any{}
			if len(b.ToolUse.Input) > 0 {
				if err := json.Unmarshal(b.ToolUse.Input, &input); err != nil {
					return nil, errors.Wrapf(err, "unmarshal input for tool %s", b.ToolUse.Name)
				}
			}
			blocks = append(blocks, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(b.ToolUse.ID),
					Name:      aws.String(b.ToolUse.Name),
					Input:     document.NewLazyDocument(input),
				},
			})
		case b.ToolResult != nil:
			status := types.ToolResultStatusSuccess
			if b.ToolResult.Status == domain.ToolStatusError {
				status = types.ToolResultStatusError
			}
			blocks = append(blocks, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(b.ToolResult.ToolUseID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: string(b.ToolResult.Payload)},
					},
					Status: status,
				},
			})
		case b.Text != "":
			blocks = append(blocks, &types.ContentBlockMemberText{Value: b.Text})
		}
	}
	return blocks, nil
}

func inferenceConfig(defaultMaxTokens int, p model.Params) *types.InferenceConfiguration {
	cfg := &types.InferenceConfiguration{}
	switch {
	case p.MaxTokens != nil:
		cfg.MaxTokens = aws.Int32(int32(*p.MaxTokens))
	case defaultMaxTokens > 0:
		cfg.MaxTokens = aws.Int32(int32(defaultMaxTokens))
	}
	if p.Temperature != nil {
		cfg.Temperature = aws.Float32(float32(*p.Temperature))
	}
	return cfg
}

func toolConfig(specs []tool.Spec) *types.ToolConfiguration {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]types.Tool, 0, len(specs))
	for _, s := range specs {
		tools = append(tools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(s.Name),
				Description: aws.String(s.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(s.InputSchema),
				},
			},
		})
	}
	return &types.ToolConfiguration{
		Tools:      tools,
		ToolChoice: &types.ToolChoiceMemberAuto{},
	}
}

// convertStopReason maps Bedrock stop reasons onto gateway stop reasons.
func convertStopReason(reason types.StopReason) model.StopReason {
	switch reason {
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return model.StopEndTurn
	case types.StopReasonToolUse:
		return model.StopToolUse
	case types.StopReasonMaxTokens:
		return model.StopMaxTokens
	default:
		return model.StopError
	}
}
