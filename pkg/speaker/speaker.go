// Package speaker turns an approved candidate into spoken output: it emits
// the response text, synthesizes voice audio, and streams it to the client
// in chunks. State transitions are strict: IsAssistantSpeaking is set before
// the first byte leaves and cleared exactly once when playback completes,
// fails, or is cancelled.
package speaker

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/auralens/auralens/pkg/jsontime"
	"github.com/auralens/auralens/pkg/session"
	"github.com/auralens/auralens/pkg/turn"
	"github.com/auralens/auralens/pkg/wire"
)

// Synthesizer produces voice audio for a piece of text.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// TextOnly is the voice for sessions without a synthesis provider: the
// response text still reaches the client, no audio does.
type TextOnly struct{}

func (TextOnly) Name() string { return "text-only" }

func (TextOnly) Synthesize(context.Context, string) ([]byte, error) {
	return nil, nil
}

// Chime is the offline fallback voice used when the synthesis provider
// fails: a short notification tone (16-bit little-endian PCM, mono) so the
// client still hears that a response arrived alongside the text.
type Chime struct {
	SampleRate int // default 16000
}

func (Chime) Name() string { return "chime" }

func (c Chime) Synthesize(context.Context, string) ([]byte, error) {
	rate := c.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	const freq, dur = 660.0, 0.2
	n := int(float64(rate) * dur)
	pcm := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		// Linear fade-out keeps the tone from clicking at the end.
		env := 1 - float64(i)/float64(n)
		v := int16(12000 * env * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(v))
	}
	return pcm, nil
}

// DefaultChunkSize is the raw audio bytes carried per voice_audio message.
const DefaultChunkSize = 4096

// ErrSuperseded reports that the playback lost its claim on the pending slot
// before any output left the server: a barge-in completed between approval
// and playback start. Nothing was delivered.
var ErrSuperseded = errors.New("speaker: playback superseded before start")

// EmitFunc delivers an outbound message to a session's connection.
type EmitFunc func(sessionID string, m wire.Msg) error

// Config wires a Speaker.
type Config struct {
	Store *session.Store
	Synth Synthesizer

	// Fallback is the offline voice used when Synth fails. Defaults to
	// Chime. Failure of the fallback itself degrades to text-only delivery.
	Fallback Synthesizer

	Emit      EmitFunc
	ChunkSize int
	Now       func() time.Time // test hook
	Log       *slog.Logger
}

type playback struct {
	generationID string
	cancel       context.CancelFunc
	done         chan struct{}
}

// Speaker streams approved candidates to clients. At most one playback per
// session is active at a time; Stop cancels it for barge-in.
type Speaker struct {
	store     *session.Store
	synth     Synthesizer
	fallback  Synthesizer
	emit      EmitFunc
	chunkSize int
	now       func() time.Time
	log       *slog.Logger

	mu     sync.Mutex
	active map[string]*playback
}

// New creates a Speaker.
func New(cfg Config) *Speaker {
	sp := &Speaker{
		store:     cfg.Store,
		synth:     cfg.Synth,
		fallback:  cfg.Fallback,
		emit:      cfg.Emit,
		chunkSize: cfg.ChunkSize,
		now:       cfg.Now,
		log:       cfg.Log,
		active:    make(map[string]*playback),
	}
	if sp.synth == nil {
		sp.synth = TextOnly{}
	}
	if sp.fallback == nil {
		sp.fallback = Chime{}
	}
	if sp.chunkSize <= 0 {
		sp.chunkSize = DefaultChunkSize
	}
	if sp.now == nil {
		sp.now = time.Now
	}
	if sp.log == nil {
		sp.log = slog.Default()
	}
	return sp
}

// Speak delivers an approved candidate: mute the mic, mark the assistant
// speaking, emit the text, stream synthesized audio, then restore state.
// Synthesis failure falls back to the offline voice, never to silence. A
// cancelled context (barge-in) stops the stream mid-flight and returns
// context.Canceled; a barge-in that already completed before playback could
// start makes Speak return ErrSuperseded without emitting anything.
func (sp *Speaker) Speak(ctx context.Context, c *turn.Candidate) error {
	playCtx, cancel := context.WithCancel(ctx)
	pb := &playback{generationID: c.GenerationID, cancel: cancel, done: make(chan struct{})}

	sp.mu.Lock()
	if prev, ok := sp.active[c.SessionID]; ok {
		prev.cancel()
	}
	sp.active[c.SessionID] = pb
	sp.mu.Unlock()

	// The speaking flag goes up before any output leaves the server, so the
	// perception bridge suppresses the assistant's own voice echoing back in.
	// The claim check runs in the same mutation: a barge-in that completed
	// between approval and here has cancelled the generation, released the
	// pending slot, or put the user back on the floor, and that playback must
	// die without delivering anything.
	err := sp.store.Update(c.SessionID, func(s *session.Session) error {
		if playCtx.Err() != nil || s.PendingGenerationID != c.GenerationID || s.IsUserSpeaking {
			// The generation is dead either way; drop its claim so the
			// session does not stay blocked until the barge-in sweep.
			if s.PendingGenerationID == c.GenerationID {
				s.PendingGenerationID = ""
			}
			return ErrSuperseded
		}
		s.IsAssistantSpeaking = true
		return nil
	})
	if err != nil {
		sp.release(c.SessionID, pb)
		cancel()
		close(pb.done)
		return err
	}

	defer sp.finish(playCtx, c, pb, cancel)

	sp.sendMsg(c.SessionID, &wire.MuteMic{Muted: true})
	sp.sendMsg(c.SessionID, &wire.AIResponse{
		GenerationID: c.GenerationID,
		Text:         c.Text,
		Tier:         string(c.Source),
		Unsolicited:  c.Unsolicited,
		Time:         jsontime.Milli(sp.now()),
	})

	audio, synthErr := sp.synth.Synthesize(playCtx, c.Text)
	if playCtx.Err() != nil {
		return context.Canceled
	}
	if synthErr != nil {
		// Never go silent on a synthesis failure: the offline voice marks
		// the response audibly while the text carries the content.
		sp.log.Warn("voice synthesis failed, using fallback voice",
			"session", c.SessionID, "provider", sp.synth.Name(), "error", synthErr)
		audio, synthErr = sp.fallback.Synthesize(playCtx, c.Text)
		if synthErr != nil {
			audio = nil
		}
	}

	for off := 0; off < len(audio); off += sp.chunkSize {
		if playCtx.Err() != nil {
			return context.Canceled
		}
		end := off + sp.chunkSize
		if end > len(audio) {
			end = len(audio)
		}
		sp.sendMsg(c.SessionID, &wire.VoiceAudio{
			GenerationID: c.GenerationID,
			Audio:        base64.StdEncoding.EncodeToString(audio[off:end]),
		})
	}
	if playCtx.Err() != nil {
		return context.Canceled
	}

	sp.sendMsg(c.SessionID, &wire.VoiceAudio{GenerationID: c.GenerationID, Final: true})
	sp.sendMsg(c.SessionID, &wire.MuteMic{Muted: false})
	return nil
}

// Stop cancels the session's active playback, if any. The returned channel
// closes once the playback's state transitions have completed.
func (sp *Speaker) Stop(sessionID string) (<-chan struct{}, bool) {
	sp.mu.Lock()
	pb, ok := sp.active[sessionID]
	sp.mu.Unlock()
	if !ok {
		return nil, false
	}
	pb.cancel()
	return pb.done, true
}

// finish restores session state exactly once per playback: clears the
// speaking flag, releases the pending slot, and counts the outcome. A
// cancelled playback does not reset the rate-limit clock.
func (sp *Speaker) finish(playCtx context.Context, c *turn.Candidate, pb *playback, cancel context.CancelFunc) {
	select {
	case <-pb.done:
		return
	default:
	}
	cancelled := playCtx.Err() != nil

	_ = sp.store.Update(c.SessionID, func(s *session.Session) error {
		s.IsAssistantSpeaking = false
		if s.PendingGenerationID == c.GenerationID {
			s.PendingGenerationID = ""
		}
		if !cancelled {
			s.RecordResponse(sp.now())
		}
		return nil
	})

	sp.release(c.SessionID, pb)
	cancel()
	close(pb.done)
}

func (sp *Speaker) release(sessionID string, pb *playback) {
	sp.mu.Lock()
	if sp.active[sessionID] == pb {
		delete(sp.active, sessionID)
	}
	sp.mu.Unlock()
}

func (sp *Speaker) sendMsg(sessionID string, m wire.Msg) {
	if err := sp.emit(sessionID, m); err != nil {
		sp.log.Warn("emit failed", "session", sessionID, "type", m.MsgType(), "error", err)
	}
}
