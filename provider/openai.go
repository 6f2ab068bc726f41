package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ChatClient captures the subset of the go-openai client used by the
// backend. Satisfied by *openai.Client; tests pass a mock.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// OpenAI adapts the OpenAI Chat Completions API to the Backend interface.
type OpenAI struct {
	chat         ChatClient
	defaultModel string
}

// NewOpenAI builds an OpenAI backend using the default go-openai HTTP client.
func NewOpenAI(apiKey, defaultModel string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai backend requires an api key")
	}
	return NewOpenAIWithClient(openai.NewClient(apiKey), defaultModel)
}

// NewOpenAIWithClient builds an OpenAI backend over an existing chat client.
func NewOpenAIWithClient(chat ChatClient, defaultModel string) (*OpenAI, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("openai default model is required")
	}
	return &OpenAI{chat: chat, defaultModel: defaultModel}, nil
}

// Name implements Backend.
func (o *OpenAI) Name() string { return "openai" }

// Complete issues one chat completion. Newer model families reject the
// max_tokens parameter in favor of max_completion_tokens; that specific
// rejection is retried once with the alternate spelling.
func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	request := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}

	resp, err := o.chat.CreateChatCompletion(ctx, request)
	if err != nil && req.MaxTokens > 0 && isWrongMaxTokensParam(err) {
		request.MaxTokens = 0
		request.MaxCompletionTokens = req.MaxTokens
		resp, err = o.chat.CreateChatCompletion(ctx, request)
	}
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// isWrongMaxTokensParam detects the "use max_completion_tokens instead of
// max_tokens" rejection some model families return.
func isWrongMaxTokensParam(err error) bool {
	var apierr *openai.APIError
	if !errors.As(err, &apierr) || apierr.HTTPStatusCode != 400 {
		return false
	}
	msg := strings.ToLower(apierr.Message)
	return strings.Contains(msg, "max_tokens") &&
		strings.Contains(msg, "max_completion_tokens")
}

func classifyOpenAIError(err error) error {
	var apierr *openai.APIError
	if errors.As(err, &apierr) && transientStatus(apierr.HTTPStatusCode) {
		return Transient(fmt.Errorf("openai chat completion: %w", err))
	}
	var reqerr *openai.RequestError
	if errors.As(err, &reqerr) && transientStatus(reqerr.HTTPStatusCode) {
		return Transient(fmt.Errorf("openai chat completion: %w", err))
	}
	return fmt.Errorf("openai chat completion: %w", err)
}

var _ Backend = (*OpenAI)(nil)
