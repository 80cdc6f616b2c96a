// Package openaigen implements gen.Generator on the OpenAI chat completions
// API. It serves the fast tier: low latency, low cost, short replies.
package openaigen

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/auralens/auralens/pkg/gen"
)

var _ gen.Generator = (*Generator)(nil)

// Generator calls an OpenAI chat model.
type Generator struct {
	client openai.Client
	model  string
}

// New creates a Generator for the given model.
func New(apiKey, model string) *Generator {
	return &Generator{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Name implements gen.Generator.
func (g *Generator) Name() string {
	return "openai/" + g.model
}

// Generate implements gen.Generator.
func (g *Generator) Generate(ctx context.Context, req gen.Request) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(g.model),
		Messages: buildMessages(req),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openaigen: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", gen.ErrEmpty
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return "", fmt.Errorf("openaigen: blocked: %s", choice.Message.Refusal)
	}
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return "", gen.ErrEmpty
	}
	return text, nil
}

func buildMessages(req gen.Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.Instructions != "" {
		msgs = append(msgs, openai.SystemMessage(req.Instructions))
	}
	msgs = append(msgs, openai.UserMessage(userText(req)))
	return msgs
}

func userText(req gen.Request) string {
	var sb strings.Builder
	if req.Context != "" {
		fmt.Fprintf(&sb, "Current view: %s\n\n", req.Context)
	}
	if req.UserText != "" {
		sb.WriteString(req.UserText)
	} else {
		sb.WriteString("Briefly mention anything noteworthy in the current view.")
	}
	return sb.String()
}
