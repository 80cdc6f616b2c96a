// Package openaivoice implements speaker.Synthesizer on the OpenAI speech
// API.
package openaivoice

import (
	"context"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/auralens/auralens/pkg/speaker"
)

var _ speaker.Synthesizer = (*Synthesizer)(nil)

// Synthesizer calls an OpenAI text-to-speech model.
type Synthesizer struct {
	client openai.Client
	model  string
	voice  openai.AudioSpeechNewParamsVoice
}

// New creates a Synthesizer. Empty model and voice select gpt-4o-mini-tts
// with the alloy voice.
func New(apiKey, model, voice string) *Synthesizer {
	s := &Synthesizer{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		voice:  openai.AudioSpeechNewParamsVoice(voice),
	}
	if s.model == "" {
		s.model = string(openai.SpeechModelGPT4oMiniTTS)
	}
	if s.voice == "" {
		s.voice = openai.AudioSpeechNewParamsVoiceAlloy
	}
	return s
}

// Name implements speaker.Synthesizer.
func (s *Synthesizer) Name() string {
	return "openai/" + s.model
}

// Synthesize implements speaker.Synthesizer. The returned bytes are MP3.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(s.model),
		Voice:          s.voice,
		Input:          text,
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, fmt.Errorf("openaivoice: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openaivoice: read audio: %w", err)
	}
	return audio, nil
}
