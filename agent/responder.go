package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
)

// ErrEmptyResponse is returned when a model produced no text
var ErrEmptyResponse = errors.New("agent: model returned no text")

// Responder produces a reply to prompt, following the agent's instructions
type Responder interface {
	Respond(ctx context.Context, instructions, prompt string) (string, error)
}

// ResponderFunc adapts a function to Responder
type ResponderFunc func(ctx context.Context, instructions, prompt string) (string, error)

// Respond implements Responder
func (f ResponderFunc) Respond(ctx context.Context, instructions, prompt string) (string, error) {
	return f(ctx, instructions, prompt)
}

// EchoResponder replies with the prompt itself. It needs no model and is the
// default for agents without a provider.
type EchoResponder struct{}

// Respond implements Responder
func (EchoResponder) Respond(ctx context.Context, instructions, prompt string) (string, error) {
	return prompt, nil
}

// ModelOptions configure the hosted model responders
type ModelOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int64
}

// OpenAIResponder answers through the OpenAI Chat Completions API
type OpenAIResponder struct {
	client *openai.Client
	opts   ModelOptions
}

// NewOpenAIResponder creates a responder; the API key is read from
// OPENAI_API_KEY unless given as a request option.
func NewOpenAIResponder(opts ModelOptions, requestOpts ...openaioption.RequestOption) *OpenAIResponder {
	if opts.Model == "" {
		opts.Model = openai.ChatModelGPT4oMini
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 1024
	}
	client := openai.NewClient(requestOpts...)
	return &OpenAIResponder{client: &client, opts: opts}
}

// Respond implements Responder
func (r *OpenAIResponder) Respond(ctx context.Context, instructions, prompt string) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if instructions != "" {
		messages = append(messages, openai.SystemMessage(instructions))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               r.opts.Model,
		MaxCompletionTokens: openai.Int(r.opts.MaxTokens),
	}
	if r.opts.Temperature > 0 {
		params.Temperature = openai.Float(r.opts.Temperature)
	}

	resp, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// AnthropicResponder answers through the Anthropic Messages API
type AnthropicResponder struct {
	client *anthropic.Client
	opts   ModelOptions
}

// NewAnthropicResponder creates a responder; the API key is read from
// ANTHROPIC_API_KEY unless given as a request option.
func NewAnthropicResponder(opts ModelOptions, requestOpts ...anthropicoption.RequestOption) *AnthropicResponder {
	if opts.Model == "" {
		opts.Model = string(anthropic.ModelClaude3_5Sonnet20241022)
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 1024
	}
	client := anthropic.NewClient(requestOpts...)
	return &AnthropicResponder{client: &client, opts: opts}
}

// Respond implements Responder
func (r *AnthropicResponder) Respond(ctx context.Context, instructions, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(r.opts.Model),
		MaxTokens: r.opts.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: instructions}}
	}
	if r.opts.Temperature > 0 {
		params.Temperature = anthropic.Float(r.opts.Temperature)
	}

	resp, err := r.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	if text.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return text.String(), nil
}
