package vision

import (
	"context"
	"fmt"
	"strings"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/genai"

	"github.com/auralens/auralens/pkg/gen"
)

// Analyzer turns a raw camera frame into an opaque scene description.
type Analyzer interface {
	Describe(ctx context.Context, data []byte, mimeType string) (string, error)
}

const describePrompt = "Describe what is visible in this image in one or two short sentences. " +
	"Mention only what you can actually see."

// GeminiAnalyzer implements Analyzer on the Gemini API.
type GeminiAnalyzer struct {
	client *genai.Client
	model  string
}

// NewGeminiAnalyzer creates an analyzer for the given model.
func NewGeminiAnalyzer(ctx context.Context, apiKey, model string) (*GeminiAnalyzer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("vision: %w", err)
	}
	return &GeminiAnalyzer{client: client, model: model}, nil
}

// NewGeminiAnalyzerWithClient wraps an existing client.
func NewGeminiAnalyzerWithClient(client *genai.Client, model string) *GeminiAnalyzer {
	return &GeminiAnalyzer{client: client, model: model}
}

// Describe implements Analyzer.
func (a *GeminiAnalyzer) Describe(ctx context.Context, data []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			genai.NewPartFromBytes(data, mimeType),
			genai.NewPartFromText(describePrompt),
		},
	}}

	resp, err := a.client.Models.GenerateContent(ctx, a.model, contents, nil)
	if err != nil {
		if e, ok := err.(*apierror.APIError); ok {
			err = e.Unwrap()
		}
		return "", fmt.Errorf("vision: describe: %w", err)
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
