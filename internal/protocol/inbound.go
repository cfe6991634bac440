// Package protocol defines the JSON frames exchanged with WebSocket clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Inbound actions.
const (
	ActionChat = "chat"
	ActionPing = "ping"
)

// Limits on inbound chat fields.
const (
	MaxMessageLength      = 32000
	MaxSystemPromptLength = 16000
	MaxTokensLimit        = 200000
)

// Inbound is a decoded client frame: ChatRequest or PingRequest.
type Inbound interface {
	isInbound()
}

// ChatRequest asks the agent to run a turn.
type ChatRequest struct {
	Message      string
	SystemPrompt string
	Temperature  *float64
	MaxTokens    *int
	ThreadID     string
}

// PingRequest is a keepalive probe.
type PingRequest struct{}

func (ChatRequest) isInbound() {}
func (PingRequest) isInbound() {}

// frame is the raw inbound JSON shape.
type frame struct {
	Action       string   `json:"action" validate:"required"`
	Message      *string  `json:"message" validate:"omitempty,max=32000"`
	SystemPrompt string   `json:"systemPrompt" validate:"max=16000"`
	Temperature  *float64 `json:"temperature" validate:"omitempty,gte=0,lte=1"`
	MaxTokens    *int     `json:"maxTokens" validate:"omitempty,gt=0,lte=200000"`
	ThreadID     string   `json:"threadId" validate:"omitempty,max=128,printascii"`
}

// DecodeError is a client mistake that is reported back as an error event.
type DecodeError struct {
	Message string
}

func (e *DecodeError) Error() string { return e.Message }

var validate = validator.New()

// Decode parses a client frame.
func Decode(data []byte) (Inbound, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &DecodeError{Message: "invalid message format"}
	}
	if err := validate.Struct(f); err != nil {
		return nil, &DecodeError{Message: describeValidation(err)}
	}

	switch f.Action {
	case ActionPing:
		return PingRequest{}, nil
	case ActionChat:
		if f.Message == nil || strings.TrimSpace(*f.Message) == "" {
			return nil, &DecodeError{Message: "message is required"}
		}
		return ChatRequest{
			Message:      *f.Message,
			SystemPrompt: f.SystemPrompt,
			Temperature:  f.Temperature,
			MaxTokens:    f.MaxTokens,
			ThreadID:     f.ThreadID,
		}, nil
	default:
		return nil, &DecodeError{Message: fmt.Sprintf("unknown action: %s", f.Action)}
	}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid message"
	}
	fe := verrs[0]
	field := jsonName(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "max":
		return fmt.Sprintf("%s is too long", field)
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s is invalid", field)
	}
}

func jsonName(field string) string {
	switch field {
	case "SystemPrompt":
		return "systemPrompt"
	case "MaxTokens":
		return "maxTokens"
	case "ThreadID":
		return "threadId"
	default:
		return strings.ToLower(field)
	}
}
