package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

const defaultOpenAIModel = "gpt-4.1"

// OpenAI uses the Responses API with the conversation flattened into one input.
type OpenAI struct {
	client openai.Client
	model  string
}

func NewOpenAI(apiKey, model string, opts ...option.RequestOption) *OpenAI {
	if model == "" {
		model = defaultOpenAIModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAI{client: openai.NewClient(opts...), model: model}
}

func (o *OpenAI) Model() string { return o.model }

func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := o.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(maxTokens(req.MaxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(flatten(req))},
	})
	if err != nil {
		return "", err
	}
	text := resp.OutputText()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func flatten(req Request) string {
	var b strings.Builder
	if req.System != "" {
		fmt.Fprintf(&b, "System: %s\n\n", req.System)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			fmt.Fprintf(&b, "Assistant: %s\n\n", m.Content)
		default:
			fmt.Fprintf(&b, "User: %s\n\n", m.Content)
		}
	}
	return b.String()
}
