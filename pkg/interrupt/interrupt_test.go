package interrupt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/auralens/auralens/pkg/session"
	"github.com/auralens/auralens/pkg/speaker"
	"github.com/auralens/auralens/pkg/turn"
	"github.com/auralens/auralens/pkg/wire"
)

type recorder struct {
	mu   sync.Mutex
	msgs []wire.Msg
}

func (r *recorder) emit(_ string, m wire.Msg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) has(t wire.Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.MsgType() == t {
			return true
		}
	}
	return false
}

// blockingSynth holds playback open until its context is cancelled.
type blockingSynth struct{ started chan struct{} }

func (b *blockingSynth) Name() string { return "blocking" }

func (b *blockingSynth) Synthesize(ctx context.Context, _ string) ([]byte, error) {
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

type noPlayback struct{}

func (noPlayback) Stop(string) (<-chan struct{}, bool) { return nil, false }

func newSession(t *testing.T) *session.Store {
	t.Helper()
	store := session.NewStore()
	if _, err := store.Create("s1", session.ModeGeneral, 5); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return store
}

func TestBargeInStopsPlaybackWithinBound(t *testing.T) {
	store := newSession(t)
	rec := &recorder{}
	synth := &blockingSynth{started: make(chan struct{})}
	sp := speaker.New(speaker.Config{Store: store, Synth: synth, Emit: rec.emit})
	h := New(Config{Store: store, Speaker: sp, Emit: rec.emit})

	_ = store.Update("s1", func(s *session.Session) error {
		s.PendingGenerationID = "g1"
		return nil
	})

	errc := make(chan error, 1)
	go func() {
		errc <- sp.Speak(context.Background(), &turn.Candidate{
			SessionID: "s1", GenerationID: "g1", Text: "long answer", Source: turn.SourceDeep,
		})
	}()
	<-synth.started

	// Speech onset mid-playback: everything must be stopped and cleared
	// within the ack bound.
	start := time.Now()
	h.BargeIn("s1")
	if elapsed := time.Since(start); elapsed > DefaultAckTimeout+100*time.Millisecond {
		t.Fatalf("barge-in took %v", elapsed)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Speak = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("playback did not stop")
	}

	snap, _ := store.Get("s1")
	if snap.IsAssistantSpeaking {
		t.Fatalf("speaking flag still set after barge-in")
	}
	if snap.PendingGenerationID != "" {
		t.Fatalf("pending generation still claimed after barge-in")
	}
	if !rec.has(wire.TypeStopAudio) {
		t.Fatalf("stop_audio not sent to client")
	}
	if snap.Metrics.Silences != 1 {
		t.Fatalf("barge-in not counted as silence: %+v", snap.Metrics)
	}
}

func TestBargeInCancelsInFlightGeneration(t *testing.T) {
	store := newSession(t)
	rec := &recorder{}
	h := New(Config{Store: store, Speaker: noPlayback{}, Emit: rec.emit})

	_ = store.Update("s1", func(s *session.Session) error {
		s.PendingGenerationID = "g1"
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.RegisterGeneration("s1", "g1", cancel)

	h.BargeIn("s1")

	if ctx.Err() == nil {
		t.Fatalf("in-flight generation context not cancelled")
	}
	snap, _ := store.Get("s1")
	if snap.PendingGenerationID != "" {
		t.Fatalf("pending slot not released")
	}
	if !rec.has(wire.TypeStopAudio) {
		t.Fatalf("stop_audio not sent")
	}
}

func TestBargeInIdleIsNoOp(t *testing.T) {
	store := newSession(t)
	rec := &recorder{}
	h := New(Config{Store: store, Speaker: noPlayback{}, Emit: rec.emit})

	h.BargeIn("s1")

	if len(rec.msgs) != 0 {
		t.Fatalf("idle barge-in emitted %d messages", len(rec.msgs))
	}
	snap, _ := store.Get("s1")
	if snap.Metrics.Silences != 0 {
		t.Fatalf("idle barge-in counted as silence")
	}
}

func TestClearGenerationOnlyMatching(t *testing.T) {
	store := newSession(t)
	h := New(Config{Store: store, Speaker: noPlayback{}})

	ctx, cancel := context.WithCancel(context.Background())
	h.RegisterGeneration("s1", "g2", cancel)
	h.ClearGeneration("s1", "g1") // stale id, must not clear g2

	h.BargeIn("s1")
	if ctx.Err() == nil {
		t.Fatalf("generation g2 should still have been registered")
	}
}

// stuckPlayback claims to be speaking but never acknowledges the stop.
type stuckPlayback struct{ done chan struct{} }

func (s *stuckPlayback) Stop(string) (<-chan struct{}, bool) { return s.done, true }

func TestBargeInAckTimeoutForcesClear(t *testing.T) {
	store := newSession(t)
	_ = store.Update("s1", func(s *session.Session) error {
		s.IsAssistantSpeaking = true
		s.PendingGenerationID = "g1"
		return nil
	})
	h := New(Config{
		Store:      store,
		Speaker:    &stuckPlayback{done: make(chan struct{})},
		AckTimeout: 10 * time.Millisecond,
	})

	start := time.Now()
	h.BargeIn("s1")
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("forced clear took %v", elapsed)
	}

	snap, _ := store.Get("s1")
	if snap.IsAssistantSpeaking || snap.PendingGenerationID != "" {
		t.Fatalf("state not force-cleared after ack timeout: %+v", snap)
	}
}
