package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"coaching", ModeCoaching},
		{"STUDY", ModeStudy},
		{"meeting", ModeMeeting},
		{"general", ModeGeneral},
		{"", ModeGeneral},
		{"bogus", ModeGeneral},
	}
	for _, tt := range tests {
		if got := ParseMode(tt.in); got != tt.want {
			t.Fatalf("ParseMode(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"What do you SEE?", "what do you see"},
		{"  hello,   world!! ", "hello world"},
		{"that's 10 reps", "that s 10 reps"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTranscriptBounded(t *testing.T) {
	s := &Session{ID: "s"}
	for i := 0; i < DefaultTranscriptLimit+5; i++ {
		s.AppendUtterance(Utterance{Text: fmt.Sprintf("u%d", i)})
	}
	if len(s.Transcript) != DefaultTranscriptLimit {
		t.Fatalf("transcript length = %d, want %d", len(s.Transcript), DefaultTranscriptLimit)
	}
	if s.Transcript[0].Text != "u5" {
		t.Fatalf("oldest kept = %s, want u5", s.Transcript[0].Text)
	}
}

func TestSpokenRecently(t *testing.T) {
	s := &Session{ID: "s"}
	now := time.Now()
	s.RememberUtterance("Nice form, keep going!", now)

	if !s.SpokenRecently("nice form keep going", now.Add(time.Second), 30*time.Second) {
		t.Fatalf("normalized duplicate not detected")
	}
	if s.SpokenRecently("nice form keep going", now.Add(time.Minute), 30*time.Second) {
		t.Fatalf("hash outside window still matched")
	}
	if s.SpokenRecently("something else entirely", now, 30*time.Second) {
		t.Fatalf("distinct text matched")
	}
}

func TestStoreLifecycle(t *testing.T) {
	st := NewStore()
	if _, err := st.Create("s1", ModeGeneral, 5); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := st.Create("s1", ModeGeneral, 5); err == nil {
		t.Fatalf("duplicate Create should fail")
	}

	if err := st.Update("s1", func(s *Session) error {
		s.AppendUtterance(Utterance{Text: "hello"})
		s.RecordResponse(time.Now())
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	snap, err := st.Get("s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Metrics.Responses != 1 || len(snap.Transcript) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Snapshot must be detached from live state.
	snap.Transcript[0].Text = "mutated"
	again, _ := st.Get("s1")
	if again.Transcript[0].Text != "hello" {
		t.Fatalf("snapshot mutation leaked into store")
	}

	var order []int
	st.OnDestroy("s1", func() { order = append(order, 1) })
	st.OnDestroy("s1", func() { order = append(order, 2) })

	final, err := st.Destroy("s1")
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if final.Metrics.Responses != 1 {
		t.Fatalf("final snapshot = %+v", final.Metrics)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("cleanups ran in order %v, want [2 1]", order)
	}

	if _, err := st.Get("s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after destroy = %v, want ErrNotFound", err)
	}
	if err := st.Update("s1", func(*Session) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update after destroy = %v, want ErrNotFound", err)
	}
	if _, err := st.Destroy("s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Destroy = %v, want ErrNotFound", err)
	}
}

func TestStoreConcurrentSessions(t *testing.T) {
	st := NewStore()
	const sessions = 8
	const updates = 200

	for i := 0; i < sessions; i++ {
		if _, err := st.Create(fmt.Sprintf("s%d", i), ModeGeneral, 5); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("s%d", i)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < updates; j++ {
					_ = st.Update(id, func(s *Session) error {
						s.Metrics.Responses++
						return nil
					})
				}
			}()
		}
	}
	wg.Wait()

	for i := 0; i < sessions; i++ {
		snap, err := st.Get(fmt.Sprintf("s%d", i))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if snap.Metrics.Responses != 4*updates {
			t.Fatalf("session s%d responses = %d, want %d", i, snap.Metrics.Responses, 4*updates)
		}
	}
}
