// Package wire defines the message types exchanged over the persistent
// per-session connection. Every message is a flat JSON object carrying a
// "type" discriminator; capture timestamps travel as Unix milliseconds.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/auralens/auralens/pkg/jsontime"
)

// Type identifies a wire message.
type Type string

// Inbound message types (client -> server).
const (
	TypeSessionStart      Type = "session_start"
	TypeSessionEnd        Type = "session_end"
	TypeAudioChunk        Type = "audio_chunk"
	TypeSpeechStarted     Type = "speech_started"
	TypeSpeechStopped     Type = "speech_stopped"
	TypeTranscript        Type = "transcript"
	TypePerception        Type = "perception"
	TypeFrame             Type = "frame"
	TypeModeChange        Type = "mode_change"
	TypeSensitivityUpdate Type = "sensitivity_update"
)

// Outbound message types (server -> client).
const (
	TypeSessionReady  Type = "session_ready"
	TypeSessionClosed Type = "session_closed"
	TypeAIResponse    Type = "ai_response"
	TypeVoiceAudio    Type = "voice_audio"
	TypeMuteMic       Type = "mute_mic"
	TypeStopAudio     Type = "stop_audio"
	TypeRequestFrame  Type = "request_frame"
)

// Msg is implemented by every wire message.
type Msg interface {
	MsgType() Type
}

// SessionStart opens a session. It is the required first message on a
// connection.
type SessionStart struct {
	SessionID   string         `json:"session_id,omitempty"`
	Mode        string         `json:"mode,omitempty"`
	Sensitivity int            `json:"sensitivity,omitempty"`
	Time        jsontime.Milli `json:"t,omitzero"`
}

// SessionEnd closes a session gracefully.
type SessionEnd struct {
	Reason string `json:"reason,omitempty"`
}

// AudioChunk carries inbound raw audio. The orchestration core forwards it
// to the transcription collaborator and otherwise ignores it.
type AudioChunk struct {
	Audio string         `json:"audio"` // base64-encoded
	Time  jsontime.Milli `json:"t,omitzero"`
}

// SpeechStarted signals user speech onset, as detected by the transcription
// collaborator's VAD.
type SpeechStarted struct {
	Time jsontime.Milli `json:"t,omitzero"`
}

// SpeechStopped signals the end of user speech.
type SpeechStopped struct {
	Time jsontime.Milli `json:"t,omitzero"`
}

// Transcript carries a finalized user utterance.
type Transcript struct {
	Text       string         `json:"text"`
	Confidence float64        `json:"confidence,omitempty"`
	Time       jsontime.Milli `json:"t,omitzero"` // capture time, not arrival time
}

// Perception carries a visual-context description derived from the client's
// camera by the vision-analysis collaborator.
type Perception struct {
	Description string         `json:"description"`
	CapturedAt  jsontime.Milli `json:"captured_at,omitzero"`
}

// Frame is a raw camera frame sent in reply to a request_frame control
// signal. The server runs it through the vision analyzer.
type Frame struct {
	Data       string         `json:"data"` // base64-encoded image
	MIMEType   string         `json:"mime_type,omitempty"`
	CapturedAt jsontime.Milli `json:"captured_at,omitzero"`
}

// ModeChange switches the session operating mode.
type ModeChange struct {
	Mode string `json:"mode"`
}

// SensitivityUpdate adjusts how proactive unsolicited speech is (0-10).
type SensitivityUpdate struct {
	Sensitivity int `json:"sensitivity"`
}

// SessionReady acknowledges session_start.
type SessionReady struct {
	SessionID string `json:"session_id"`
}

// SessionClosed is sent before the server tears the connection down.
type SessionClosed struct {
	Reason string `json:"reason,omitempty"`
}

// AIResponse carries generated assistant text.
type AIResponse struct {
	GenerationID string         `json:"generation_id"`
	Text         string         `json:"text"`
	Tier         string         `json:"tier,omitempty"`
	Unsolicited  bool           `json:"unsolicited,omitempty"`
	Time         jsontime.Milli `json:"t,omitzero"`
}

// VoiceAudio streams synthesized speech to the client. Final marks the last
// chunk of a generation.
type VoiceAudio struct {
	GenerationID string `json:"generation_id"`
	Audio        string `json:"audio,omitempty"` // base64-encoded
	Final        bool   `json:"final,omitempty"`
}

// MuteMic asks the client to mute or unmute its microphone input to the
// transcription stream while the assistant speaks.
type MuteMic struct {
	Muted bool `json:"muted"`
}

// StopAudio tells the client to drop any buffered assistant audio
// immediately (barge-in cancellation).
type StopAudio struct {
	GenerationID string `json:"generation_id,omitempty"`
}

// RequestFrame asks the client for a fresh camera frame.
type RequestFrame struct{}

func (SessionStart) MsgType() Type      { return TypeSessionStart }
func (SessionEnd) MsgType() Type        { return TypeSessionEnd }
func (AudioChunk) MsgType() Type        { return TypeAudioChunk }
func (SpeechStarted) MsgType() Type     { return TypeSpeechStarted }
func (SpeechStopped) MsgType() Type     { return TypeSpeechStopped }
func (Transcript) MsgType() Type        { return TypeTranscript }
func (Perception) MsgType() Type        { return TypePerception }
func (Frame) MsgType() Type             { return TypeFrame }
func (ModeChange) MsgType() Type        { return TypeModeChange }
func (SensitivityUpdate) MsgType() Type { return TypeSensitivityUpdate }
func (SessionReady) MsgType() Type      { return TypeSessionReady }
func (SessionClosed) MsgType() Type     { return TypeSessionClosed }
func (AIResponse) MsgType() Type        { return TypeAIResponse }
func (VoiceAudio) MsgType() Type        { return TypeVoiceAudio }
func (MuteMic) MsgType() Type           { return TypeMuteMic }
func (StopAudio) MsgType() Type         { return TypeStopAudio }
func (RequestFrame) MsgType() Type      { return TypeRequestFrame }

// Marshal encodes a message as a flat JSON object with its type injected.
func Marshal(m Msg) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	head := fmt.Sprintf(`{"type":%q`, m.MsgType())
	if len(body) <= 2 { // "{}"
		return []byte(head + "}"), nil
	}
	return append([]byte(head+","), body[1:]...), nil
}

// Unmarshal decodes a wire message by its "type" discriminator.
func Unmarshal(data []byte) (Msg, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}

	var m Msg
	switch head.Type {
	case TypeSessionStart:
		m = &SessionStart{}
	case TypeSessionEnd:
		m = &SessionEnd{}
	case TypeAudioChunk:
		m = &AudioChunk{}
	case TypeSpeechStarted:
		m = &SpeechStarted{}
	case TypeSpeechStopped:
		m = &SpeechStopped{}
	case TypeTranscript:
		m = &Transcript{}
	case TypePerception:
		m = &Perception{}
	case TypeFrame:
		m = &Frame{}
	case TypeModeChange:
		m = &ModeChange{}
	case TypeSensitivityUpdate:
		m = &SensitivityUpdate{}
	case TypeSessionReady:
		m = &SessionReady{}
	case TypeSessionClosed:
		m = &SessionClosed{}
	case TypeAIResponse:
		m = &AIResponse{}
	case TypeVoiceAudio:
		m = &VoiceAudio{}
	case TypeMuteMic:
		m = &MuteMic{}
	case TypeStopAudio:
		m = &StopAudio{}
	case TypeRequestFrame:
		m = &RequestFrame{}
	default:
		return nil, fmt.Errorf("wire: unknown message type %q", head.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", head.Type, err)
	}
	return m, nil
}
