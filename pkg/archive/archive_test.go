package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/auralens/auralens/pkg/kv"
	"github.com/auralens/auralens/pkg/session"
)

func TestArchiveRoundTrip(t *testing.T) {
	a := New(kv.NewMemory())
	ctx := context.Background()

	started := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	ended := time.Now().Truncate(time.Millisecond)
	rec := &Record{
		SessionID: "s1",
		Mode:      string(session.ModeCoaching),
		StartedAt: started,
		EndedAt:   ended,
		Transcript: []Utterance{
			{Text: "done", Confidence: 0.92, At: started.Add(10 * time.Second)},
			{Text: "how many reps", At: started.Add(20 * time.Second)},
		},
		Responses:  3,
		Silences:   1,
		Rejections: map[string]int64{"duplicate": 2},
	}
	if err := a.Write(ctx, rec); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := a.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Mode != string(session.ModeCoaching) || got.Responses != 3 {
		t.Fatalf("record = %+v", got)
	}
	if len(got.Transcript) != 2 || got.Transcript[0].Text != "done" {
		t.Fatalf("transcript = %+v", got.Transcript)
	}
	if got.Rejections["duplicate"] != 2 {
		t.Fatalf("rejections = %+v", got.Rejections)
	}
	if !got.EndedAt.Equal(ended) {
		t.Fatalf("ended_at = %v, want %v", got.EndedAt, ended)
	}
}

func TestArchiveGetMissing(t *testing.T) {
	a := New(kv.NewMemory())
	if _, err := a.Get(context.Background(), "nope"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get = %v, want kv.ErrNotFound", err)
	}
}

func TestArchiveList(t *testing.T) {
	a := New(kv.NewMemory())
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		if err := a.Write(ctx, &Record{SessionID: id, EndedAt: time.Now()}); err != nil {
			t.Fatalf("Write %s: %v", id, err)
		}
	}

	var ids []string
	for rec, err := range a.List(ctx) {
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		ids = append(ids, rec.SessionID)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestFromSnapshot(t *testing.T) {
	store := session.NewStore()
	if _, err := store.Create("s1", session.ModeStudy, 5); err != nil {
		t.Fatalf("Create: %v", err)
	}
	now := time.Now()
	_ = store.Update("s1", func(s *session.Session) error {
		s.AppendUtterance(session.Utterance{Text: "spell cat", At: now})
		s.RecordResponse(now)
		s.RecordSilence()
		s.RecordRejection("rate_limited")
		return nil
	})
	snap, err := store.Destroy("s1")
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	rec := FromSnapshot(snap, now.Add(-time.Minute), now)
	if rec.SessionID != "s1" || rec.Mode != string(session.ModeStudy) {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Responses != 1 || rec.Silences != 1 || rec.Rejections["rate_limited"] != 1 {
		t.Fatalf("metrics = %+v", rec)
	}
	if len(rec.Transcript) != 1 || rec.Transcript[0].Text != "spell cat" {
		t.Fatalf("transcript = %+v", rec.Transcript)
	}
}
