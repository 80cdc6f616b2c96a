// Package geminigen implements gen.Generator on the Google Gemini API. It
// serves the deep tier: multi-step reasoning and detailed answers.
package geminigen

import (
	"context"
	"fmt"
	"strings"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/genai"

	"github.com/auralens/auralens/pkg/gen"
)

var _ gen.Generator = (*Generator)(nil)

// Generator calls a Gemini model.
type Generator struct {
	client *genai.Client
	model  string
}

// New creates a Generator for the given model.
func New(ctx context.Context, apiKey, model string) (*Generator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("geminigen: %w", err)
	}
	return &Generator{client: client, model: model}, nil
}

// NewWithClient wraps an existing client, e.g. one shared with the vision
// analyzer.
func NewWithClient(client *genai.Client, model string) *Generator {
	return &Generator{client: client, model: model}
}

// Name implements gen.Generator.
func (g *Generator) Name() string {
	return "gemini/" + g.model
}

// Generate implements gen.Generator.
func (g *Generator) Generate(ctx context.Context, req gen.Request) (string, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.Instructions != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(req.Instructions)},
		}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{genai.NewPartFromText(userText(req))},
	}}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		if e, ok := err.(*apierror.APIError); ok {
			err = e.Unwrap()
		}
		return "", fmt.Errorf("geminigen: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", gen.ErrEmpty
	}

	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", gen.ErrEmpty
	}
	return text, nil
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
