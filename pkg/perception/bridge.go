// Package perception merges the asynchronous transcript and visual-context
// streams into the session store. It is the single place where cross-channel
// grounding happens: an eligible turn leaves the bridge with the freshest
// available visual context already attached.
package perception

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/auralens/auralens/pkg/session"
	"github.com/auralens/auralens/pkg/turn"
)

// Bridge normalizes perception events into the session store.
type Bridge struct {
	store *session.Store
	log   *slog.Logger

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// NewBridge creates a Bridge over the given store.
func NewBridge(store *session.Store, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		store:   store,
		log:     log,
		waiters: make(map[string][]chan struct{}),
	}
}

// Attach registers per-session bridge resources for teardown. Call once
// after the session is created.
func (b *Bridge) Attach(sessionID string) error {
	return b.store.OnDestroy(sessionID, func() {
		b.mu.Lock()
		for _, ch := range b.waiters[sessionID] {
			close(ch)
		}
		delete(b.waiters, sessionID)
		b.mu.Unlock()
	})
}

// OnTranscript appends a finalized utterance to the transcript buffer. If
// the assistant is not currently speaking, it returns an eligible Turn with
// the freshest visual context injected; otherwise it returns nil.
func (b *Bridge) OnTranscript(sessionID, text string, confidence float64, at time.Time) (*turn.Turn, error) {
	var eligible *turn.Turn
	err := b.store.Update(sessionID, func(s *session.Session) error {
		s.AppendUtterance(session.Utterance{Text: text, Confidence: confidence, At: at})
		if s.IsAssistantSpeaking {
			return nil
		}
		eligible = &turn.Turn{
			SessionID:       sessionID,
			Text:            text,
			Confidence:      confidence,
			At:              at,
			VisualContext:   s.VisualContext,
			VisualContextAt: s.VisualContextAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if eligible == nil {
		b.log.Debug("transcript buffered while assistant speaking", "session", sessionID)
	}
	return eligible, nil
}

// OnUserSpeech flips the user-speaking flag. It reports whether the
// assistant was speaking at onset so the caller can trigger barge-in.
func (b *Bridge) OnUserSpeech(sessionID string, speaking bool) (assistantSpeaking bool, err error) {
	err = b.store.Update(sessionID, func(s *session.Session) error {
		s.IsUserSpeaking = speaking
		assistantSpeaking = s.IsAssistantSpeaking
		return nil
	})
	return assistantSpeaking, err
}

// OnVisual applies a visual-context event keyed by capture timestamp. A
// late arrival with an older timestamp is dropped. It reports whether the
// update was applied and whether the scene changed materially (input to the
// proactive-observation path).
func (b *Bridge) OnVisual(sessionID, description string, capturedAt time.Time) (applied, changed bool, err error) {
	err = b.store.Update(sessionID, func(s *session.Session) error {
		if !s.VisualContextAt.IsZero() && !capturedAt.After(s.VisualContextAt) {
			return nil
		}
		changed = s.VisualContext != "" &&
			session.Normalize(s.VisualContext) != session.Normalize(description)
		s.VisualContext = description
		s.VisualContextAt = capturedAt
		applied = true
		return nil
	})
	if err != nil {
		return false, false, err
	}
	if !applied {
		b.log.Debug("dropped stale visual context", "session", sessionID, "captured_at", capturedAt)
		return false, false, nil
	}
	b.notifyFrame(sessionID)
	return applied, changed, nil
}

// ProactiveTurn builds an unsolicited observation turn from the current
// visual context, or nil if there is none.
func (b *Bridge) ProactiveTurn(sessionID string) (*turn.Turn, error) {
	snap, err := b.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if snap.VisualContext == "" {
		return nil, nil
	}
	return &turn.Turn{
		SessionID:       sessionID,
		Text:            "",
		At:              snap.VisualContextAt,
		VisualContext:   snap.VisualContext,
		VisualContextAt: snap.VisualContextAt,
		Proactive:       true,
	}, nil
}

// AwaitFrame blocks until a fresh visual context arrives for the session,
// the timeout elapses, or ctx is done. It returns true only on a fresh
// arrival.
func (b *Bridge) AwaitFrame(ctx context.Context, sessionID string, timeout time.Duration) bool {
	ch := make(chan struct{})
	b.mu.Lock()
	b.waiters[sessionID] = append(b.waiters[sessionID], ch)
	b.mu.Unlock()
	defer b.dropWaiter(sessionID, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case _, ok := <-ch:
		return ok
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (b *Bridge) notifyFrame(sessionID string) {
	b.mu.Lock()
	chs := b.waiters[sessionID]
	delete(b.waiters, sessionID)
	b.mu.Unlock()
	for _, ch := range chs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (b *Bridge) dropWaiter(sessionID string, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chs := b.waiters[sessionID]
	for i, c := range chs {
		if c == ch {
			b.waiters[sessionID] = append(chs[:i], chs[i+1:]...)
			return
		}
	}
}
