package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicDefaultMaxTokens caps completions when the request does not set
// MaxTokens; the Messages API requires an explicit value.
const anthropicDefaultMaxTokens = 4096

// MessagesClient captures the subset of the Anthropic SDK used by the
// backend. Satisfied by *sdk.MessageService; tests pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic adapts the Anthropic Messages API to the Backend interface.
type Anthropic struct {
	msg          MessagesClient
	defaultModel string
}

// NewAnthropic builds an Anthropic backend using the default SDK HTTP client.
func NewAnthropic(apiKey, defaultModel string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic backend requires an api key")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicWithClient(&client.Messages, defaultModel)
}

// NewAnthropicWithClient builds an Anthropic backend over an existing
// Messages client.
func NewAnthropicWithClient(msg MessagesClient, defaultModel string) (*Anthropic, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("anthropic default model is required")
	}
	return &Anthropic{msg: msg, defaultModel: defaultModel}, nil
}

// Name implements Backend.
func (a *Anthropic) Name() string { return "anthropic" }

// Complete issues one non-streaming Messages.New call. Rate limits and
// server-side failures come back marked transient.
func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := a.msg.New(ctx, params)
	if err != nil {
		var apierr *sdk.Error
		if errors.As(err, &apierr) && transientStatus(apierr.StatusCode) {
			return "", Transient(fmt.Errorf("anthropic messages.new: %w", err))
		}
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

var _ Backend = (*Anthropic)(nil)
