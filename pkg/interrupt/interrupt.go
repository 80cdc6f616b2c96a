// Package interrupt handles barge-in: the user starting to speak while the
// assistant is talking or a response is being generated. The user always
// wins. A barge-in cancels the in-flight generation, stops audio playback,
// tells the client to drop buffered audio, and clears the session's speaking
// state within a bounded acknowledgement window.
//
// The handler keeps no per-session state of its own: BargeIn derives what to
// abort from what is in flight (a registered generation, an active playback)
// and bounds the wait for playback teardown by AckTimeout, after which the
// session state is cleared forcibly.
package interrupt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/auralens/auralens/pkg/session"
	"github.com/auralens/auralens/pkg/wire"
)

// DefaultAckTimeout bounds how long a barge-in waits for playback to confirm
// it has stopped before clearing state forcibly.
const DefaultAckTimeout = 150 * time.Millisecond

// Stopper cancels a session's active audio playback. The returned channel
// closes once the playback's state transitions have completed.
type Stopper interface {
	Stop(sessionID string) (<-chan struct{}, bool)
}

// Config wires a Handler.
type Config struct {
	Store      *session.Store
	Speaker    Stopper
	Emit       func(sessionID string, m wire.Msg) error
	AckTimeout time.Duration
	Log        *slog.Logger
}

type generation struct {
	id     string
	cancel context.CancelFunc
}

// Handler coordinates barge-in cancellation across the generation pipeline
// and the speaker.
type Handler struct {
	store      *session.Store
	speaker    Stopper
	emit       func(string, wire.Msg) error
	ackTimeout time.Duration
	log        *slog.Logger

	mu   sync.Mutex
	gens map[string]generation
}

// New creates a Handler.
func New(cfg Config) *Handler {
	h := &Handler{
		store:      cfg.Store,
		speaker:    cfg.Speaker,
		emit:       cfg.Emit,
		ackTimeout: cfg.AckTimeout,
		log:        cfg.Log,
		gens:       make(map[string]generation),
	}
	if h.ackTimeout <= 0 {
		h.ackTimeout = DefaultAckTimeout
	}
	if h.emit == nil {
		h.emit = func(string, wire.Msg) error { return nil }
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	return h
}

// RegisterGeneration records the cancel func of a session's in-flight
// generation so a barge-in can abort the provider call mid-stream.
func (h *Handler) RegisterGeneration(sessionID, generationID string, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gens[sessionID] = generation{id: generationID, cancel: cancel}
}

// ClearGeneration drops the registered generation if it still matches.
func (h *Handler) ClearGeneration(sessionID, generationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if g, ok := h.gens[sessionID]; ok && g.id == generationID {
		delete(h.gens, sessionID)
	}
}

// BargeIn aborts whatever the assistant is doing for the session. It cancels
// the in-flight generation, stops playback, instructs the client to drop
// buffered audio, and guarantees the session's speaking state is cleared
// within the ack timeout. Safe to call when nothing is in flight.
func (h *Handler) BargeIn(sessionID string) {
	h.mu.Lock()
	gen, hadGen := h.gens[sessionID]
	delete(h.gens, sessionID)
	h.mu.Unlock()

	if hadGen {
		gen.cancel()
	}

	done, speaking := h.speaker.Stop(sessionID)

	// The client drops its buffer immediately, regardless of how far the
	// server-side teardown has progressed.
	if speaking || hadGen {
		stop := &wire.StopAudio{GenerationID: gen.id}
		if err := h.emit(sessionID, stop); err != nil {
			h.log.Warn("stop_audio emit failed", "session", sessionID, "error", err)
		}
		if err := h.emit(sessionID, &wire.MuteMic{Muted: false}); err != nil {
			h.log.Warn("mute_mic emit failed", "session", sessionID, "error", err)
		}
	}

	if speaking {
		select {
		case <-done:
		case <-time.After(h.ackTimeout):
			h.log.Warn("playback stop not acknowledged, clearing state",
				"session", sessionID, "timeout", h.ackTimeout)
		}
	}

	if !speaking && !hadGen {
		return
	}

	// Whether playback confirmed or the ack timed out, the session must end
	// up idle and ready for the user's new turn.
	_ = h.store.Update(sessionID, func(s *session.Session) error {
		s.IsAssistantSpeaking = false
		s.PendingGenerationID = ""
		s.RecordSilence()
		return nil
	})
}
