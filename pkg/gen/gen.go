// Package gen abstracts the response-generation providers behind a single
// Generator interface. The router selects between a fast, low-cost generator
// and a deep, higher-quality one; both are interchangeable here.
package gen

import (
	"context"
	"errors"
)

// ErrEmpty is returned when a provider produced no usable text.
var ErrEmpty = errors.New("gen: empty response")

// Request carries everything a provider needs for one response.
type Request struct {
	// Instructions is the system-level behavior prompt.
	Instructions string

	// Context is grounding material, typically the current visual scene
	// description. Empty when the turn is not visually grounded.
	Context string

	// UserText is the user's utterance, or empty for a proactive
	// observation request.
	UserText string

	// MaxTokens bounds the response length. Zero means provider default.
	MaxTokens int
}

// Generator produces assistant text for a request.
type Generator interface {
	// Name identifies the generator in logs and metrics.
	Name() string

	// Generate returns the response text or an error. Implementations must
	// honor ctx cancellation and deadlines.
	Generate(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to the Generator interface, mainly for tests and
// offline operation.
type Func struct {
	GenName string
	Fn      func(ctx context.Context, req Request) (string, error)
}

// Name implements Generator.
func (f *Func) Name() string {
	if f.GenName == "" {
		return "func"
	}
	return f.GenName
}

// Generate implements Generator.
func (f *Func) Generate(ctx context.Context, req Request) (string, error) {
	return f.Fn(ctx, req)
}
