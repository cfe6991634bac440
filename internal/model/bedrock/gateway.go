// Package bedrock implements model.Gateway on the AWS Bedrock ConverseStream API.
package bedrock

import (
	"context"
	"iter"
	"log/slog"

	"github.com/Laisky/errors/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/ashureev/agentstream/internal/model"
)

// Config holds Bedrock connection settings.
type Config struct {
	Region  string
	ModelID string
	// AccessKey and SecretKey are optional; the default AWS credential chain is used when empty.
	AccessKey        string
	SecretKey        string
	DefaultMaxTokens int
}

// eventStream is the part of *bedrockruntime.ConverseStreamEventStream the gateway reads.
type eventStream interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

type openFunc func(ctx context.Context, input *bedrockruntime.ConverseStreamInput) (eventStream, error)

// Gateway streams completions from Bedrock.
type Gateway struct {
	modelID          string
	defaultMaxTokens int
	open             openFunc
	logger           *slog.Logger
}

var _ model.Gateway = (*Gateway)(nil)

// New creates a Bedrock gateway.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if cfg.ModelID == "" {
		return nil, errors.New("bedrock model id is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	return NewWithClient(bedrockruntime.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewWithClient creates a gateway on an existing Bedrock client.
func NewWithClient(client *bedrockruntime.Client, cfg Config, logger *slog.Logger) *Gateway {
	return newGateway(func(ctx context.Context, input *bedrockruntime.ConverseStreamInput) (eventStream, error) {
		resp, err := client.ConverseStream(ctx, input)
		if err != nil {
			return nil, err
		}
		return resp.GetStream(), nil
	}, cfg, logger)
}

func newGateway(open openFunc, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		modelID:          cfg.ModelID,
		defaultMaxTokens: cfg.DefaultMaxTokens,
		open:             open,
		logger:           logger,
	}
}

// StreamCompletion implements model.Gateway.
func (g *Gateway) StreamCompletion(ctx context.Context, req model.Request) iter.Seq2[model.Event, error] {
	return func(yield func(model.Event, error) bool) {
		input, err := buildInput(g.modelID, g.defaultMaxTokens, req)
		if err != nil {
			yield(nil, errors.Wrap(err, "build converse request"))
			return
		}

		stream, err := g.open(ctx, input)
		if err != nil {
			yield(nil, errors.Wrap(err, "ConverseStream"))
			return
		}
		defer stream.Close()

		// Tool deltas reference their content block index, not the tool use id.
		toolIDs := make(map[int32]string)
		var stop *model.Stop

		for {
			var (
				event types.ConverseStreamOutput
				ok    bool
			)
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case event, ok = <-stream.Events():
			}
			if !ok {
				break
			}

			switch v := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				start, isTool := v.Value.Start.(*types.ContentBlockStartMemberToolUse)
				if !isTool || start.Value.ToolUseId == nil || start.Value.Name == nil {
					continue
				}
				id := *start.Value.ToolUseId
				toolIDs[aws.ToInt32(v.Value.ContentBlockIndex)] = id
				if !yield(model.ToolCallStart{ID: id, Name: *start.Value.Name}, nil) {
					return
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := v.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value == "" {
						continue
					}
					if !yield(model.TextDelta{Text: delta.Value}, nil) {
						return
					}
				case *types.ContentBlockDeltaMemberToolUse:
					id, known := toolIDs[aws.ToInt32(v.Value.ContentBlockIndex)]
					if !known || delta.Value.Input == nil {
						continue
					}
					if !yield(model.ToolCallInputDelta{ID: id, Fragment: *delta.Value.Input}, nil) {
						return
					}
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				stop = &model.Stop{Reason: convertStopReason(v.Value.StopReason)}
				if stop.Reason == model.StopError {
					g.logger.Warn("Bedrock stopped with unmapped reason", "reason", v.Value.StopReason)
				}

			case *types.ConverseStreamOutputMemberMetadata:
				if u := v.Value.Usage; u != nil {
					g.logger.Debug("Bedrock usage",
						"model", g.modelID,
						"input_tokens", aws.ToInt32(u.InputTokens),
						"output_tokens", aws.ToInt32(u.OutputTokens))
				}
			}
		}

		if err := stream.Err(); err != nil {
			yield(nil, errors.Wrap(err, "read converse stream"))
			return
		}
		if stop == nil {
			yield(nil, errors.New("converse stream ended without a stop reason"))
			return
		}
		yield(*stop, nil)
	}
}
