package gate

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/auralens/auralens/pkg/session"
	"github.com/auralens/auralens/pkg/turn"
)

func newTestGate(t *testing.T, now *time.Time) (*Gate, *session.Store) {
	t.Helper()
	store := session.NewStore()
	if _, err := store.Create("s1", session.ModeGeneral, 5); err != nil {
		t.Fatalf("Create: %v", err)
	}
	g := New(Config{
		Store:           store,
		RateLimitWindow: 20 * time.Second,
		DedupWindow:     30 * time.Second,
		Now:             func() time.Time { return *now },
	})
	return g, store
}

func candidate(genID, text string) *turn.Candidate {
	return &turn.Candidate{
		SessionID:    "s1",
		GenerationID: genID,
		Text:         text,
		Source:       turn.SourceFast,
	}
}

func TestReserveMutualExclusion(t *testing.T) {
	now := time.Now()
	g, store := newTestGate(t, &now)

	if err := g.Reserve("s1", "g1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	err := g.Reserve("s1", "g2")
	if reason, ok := ReasonOf(err); !ok || reason != ReasonPending {
		t.Fatalf("second Reserve = %v, want pending rejection", err)
	}

	g.Release("s1", "g1")
	if err := g.Reserve("s1", "g3"); err != nil {
		t.Fatalf("Reserve after release: %v", err)
	}

	// Release by a stale generation must not free the slot.
	g.Release("s1", "g1")
	snap, _ := store.Get("s1")
	if snap.PendingGenerationID != "g3" {
		t.Fatalf("pending = %q, want g3", snap.PendingGenerationID)
	}
}

func TestReserveConcurrentSingleWinner(t *testing.T) {
	now := time.Now()
	g, store := newTestGate(t, &now)

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			if err := g.Reserve("s1", id); err == nil {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("%d goroutines reserved, want exactly 1", len(winners))
	}
	snap, _ := store.Get("s1")
	if snap.PendingGenerationID != winners[0] {
		t.Fatalf("pending = %q, want %q", snap.PendingGenerationID, winners[0])
	}
}

func TestReserveWhileSpeaking(t *testing.T) {
	now := time.Now()
	g, store := newTestGate(t, &now)

	_ = store.Update("s1", func(s *session.Session) error {
		s.IsAssistantSpeaking = true
		return nil
	})
	err := g.Reserve("s1", "g1")
	if reason, ok := ReasonOf(err); !ok || reason != ReasonAlreadySpeaking {
		t.Fatalf("Reserve = %v, want already_speaking", err)
	}

	_ = store.Update("s1", func(s *session.Session) error {
		s.IsAssistantSpeaking = false
		s.IsUserSpeaking = true
		return nil
	})
	err = g.Reserve("s1", "g1")
	if reason, ok := ReasonOf(err); !ok || reason != ReasonUserSpeaking {
		t.Fatalf("Reserve = %v, want user_speaking", err)
	}

	snap, _ := store.Get("s1")
	if snap.Metrics.Rejections[ReasonAlreadySpeaking] != 1 ||
		snap.Metrics.Rejections[ReasonUserSpeaking] != 1 {
		t.Fatalf("rejection metrics = %+v", snap.Metrics.Rejections)
	}
}

func TestApproveHappyPath(t *testing.T) {
	now := time.Now()
	g, store := newTestGate(t, &now)

	if err := g.Reserve("s1", "g1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := g.Approve(candidate("g1", "Here's a quick answer.")); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	// Slot stays claimed for the speaker.
	snap, _ := store.Get("s1")
	if snap.PendingGenerationID != "g1" {
		t.Fatalf("pending = %q after approve", snap.PendingGenerationID)
	}
}

func TestApproveSupersededAfterCancellation(t *testing.T) {
	now := time.Now()
	g, _ := newTestGate(t, &now)

	_ = g.Reserve("s1", "g1")
	g.Release("s1", "g1") // barge-in cleared the slot mid-generation

	err := g.Approve(candidate("g1", "too late"))
	if reason, ok := ReasonOf(err); !ok || reason != ReasonSuperseded {
		t.Fatalf("Approve = %v, want superseded", err)
	}
}

func TestRateLimitOnlyUnsolicited(t *testing.T) {
	now := time.Now()
	g, store := newTestGate(t, &now)

	_ = store.Update("s1", func(s *session.Session) error {
		s.LastSpokeAt = now.Add(-5 * time.Second) // inside 20s window
		return nil
	})

	// Unsolicited inside the window: suppressed.
	_ = g.Reserve("s1", "g1")
	c := candidate("g1", "By the way, nice plant.")
	c.Unsolicited = true
	err := g.Approve(c)
	if reason, ok := ReasonOf(err); !ok || reason != ReasonRateLimited {
		t.Fatalf("Approve = %v, want rate_limited", err)
	}
	// Rejection must have released the slot.
	snap, _ := store.Get("s1")
	if snap.PendingGenerationID != "" {
		t.Fatalf("pending not released on rejection")
	}

	// Direct answer inside the window: never rate limited.
	_ = g.Reserve("s1", "g2")
	if err := g.Approve(candidate("g2", "It's 3pm.")); err != nil {
		t.Fatalf("direct answer rate limited: %v", err)
	}

	// Safety bypasses rate limiting.
	g.Release("s1", "g2")
	_ = g.Reserve("s1", "g3")
	safety := candidate("g3", "Stop and reset your form.")
	safety.Unsolicited = true
	safety.Safety = true
	if err := g.Approve(safety); err != nil {
		t.Fatalf("safety candidate suppressed: %v", err)
	}
}

func TestRateLimitExpires(t *testing.T) {
	now := time.Now()
	g, store := newTestGate(t, &now)

	_ = store.Update("s1", func(s *session.Session) error {
		s.LastSpokeAt = now
		return nil
	})

	now = now.Add(21 * time.Second) // outside the window
	_ = g.Reserve("s1", "g1")
	c := candidate("g1", "That plant could use some water.")
	c.Unsolicited = true
	if err := g.Approve(c); err != nil {
		t.Fatalf("unsolicited outside window suppressed: %v", err)
	}
}

func TestDuplicateSuppression(t *testing.T) {
	now := time.Now()
	g, _ := newTestGate(t, &now)

	_ = g.Reserve("s1", "g1")
	if err := g.Approve(candidate("g1", "Nice form, keep going!")); err != nil {
		t.Fatalf("first Approve: %v", err)
	}
	g.Release("s1", "g1")

	// Same normalized text within the dedup window: exactly one output.
	_ = g.Reserve("s1", "g2")
	err := g.Approve(candidate("g2", "nice form... keep going"))
	if reason, ok := ReasonOf(err); !ok || reason != ReasonDuplicate {
		t.Fatalf("Approve duplicate = %v, want duplicate", err)
	}

	// Outside the window it may be spoken again.
	now = now.Add(31 * time.Second)
	_ = g.Reserve("s1", "g3")
	if err := g.Approve(candidate("g3", "Nice form, keep going!")); err != nil {
		t.Fatalf("Approve after window: %v", err)
	}
}

func TestContentGuards(t *testing.T) {
	now := time.Now()
	g, _ := newTestGate(t, &now)

	tests := []struct {
		name string
		text string
	}{
		{"empty", "   "},
		{"banned filler", "Well, as an AI language model, I think..."},
		{"over length", strings.Repeat("словослово ", 70)},
	}
	for _, tt := range tests {
		_ = g.Reserve("s1", "g-"+tt.name)
		err := g.Approve(candidate("g-"+tt.name, tt.text))
		if reason, ok := ReasonOf(err); !ok || reason != ReasonGuardRejected {
			t.Fatalf("%s: Approve = %v, want guard_rejected", tt.name, err)
		}
	}
}

func TestGateSessionNotFound(t *testing.T) {
	now := time.Now()
	g, store := newTestGate(t, &now)
	_, _ = store.Destroy("s1")

	if err := g.Reserve("s1", "g1"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Reserve after destroy = %v, want ErrNotFound", err)
	}
}
