// Package archive persists final session records for later inspection: the
// transcript, the operating mode, and the orchestration metrics. Records are
// msgpack-encoded and stored under session:<id> keys.
package archive

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/auralens/auralens/pkg/kv"
	"github.com/auralens/auralens/pkg/session"
)

// Utterance is one archived transcript entry.
type Utterance struct {
	Text       string    `msgpack:"text"`
	Confidence float64   `msgpack:"confidence,omitempty"`
	At         time.Time `msgpack:"at"`
}

// Record is the durable form of a finished session.
type Record struct {
	SessionID  string           `msgpack:"session_id"`
	Mode       string           `msgpack:"mode"`
	StartedAt  time.Time        `msgpack:"started_at,omitempty"`
	EndedAt    time.Time        `msgpack:"ended_at"`
	Transcript []Utterance      `msgpack:"transcript,omitempty"`
	Responses  int64            `msgpack:"responses"`
	Silences   int64            `msgpack:"silences"`
	Rejections map[string]int64 `msgpack:"rejections,omitempty"`
}

// Archive writes and reads session records on a kv store.
type Archive struct {
	store kv.Store
}

// New creates an Archive on the given store.
func New(store kv.Store) *Archive {
	return &Archive{store: store}
}

func key(sessionID string) kv.Key {
	return kv.Key{"session", sessionID}
}

// FromSnapshot builds a Record from a session's final snapshot.
func FromSnapshot(snap *session.Snapshot, startedAt, endedAt time.Time) *Record {
	rec := &Record{
		SessionID:  snap.ID,
		Mode:       string(snap.Mode),
		StartedAt:  startedAt,
		EndedAt:    endedAt,
		Responses:  snap.Metrics.Responses,
		Silences:   snap.Metrics.Silences,
		Rejections: snap.Metrics.Rejections,
	}
	for _, u := range snap.Transcript {
		rec.Transcript = append(rec.Transcript, Utterance{
			Text:       u.Text,
			Confidence: u.Confidence,
			At:         u.At,
		})
	}
	return rec
}

// Write stores a record, overwriting any previous record for the session.
func (a *Archive) Write(ctx context.Context, rec *Record) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", rec.SessionID, err)
	}
	if err := a.store.Set(ctx, key(rec.SessionID), data); err != nil {
		return fmt.Errorf("archive: write %s: %w", rec.SessionID, err)
	}
	return nil
}

// Get loads a record by session ID. Returns kv.ErrNotFound when absent.
func (a *Archive) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := a.store.Get(ctx, key(sessionID))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("archive: decode %s: %w", sessionID, err)
	}
	return &rec, nil
}

// List iterates over all archived records in session-ID order.
func (a *Archive) List(ctx context.Context) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		for entry, err := range a.store.List(ctx, kv.Key{"session"}) {
			if err != nil {
				yield(nil, err)
				return
			}
			var rec Record
			if err := msgpack.Unmarshal(entry.Value, &rec); err != nil {
				if !yield(nil, fmt.Errorf("archive: decode %s: %w", entry.Key, err)) {
					return
				}
				continue
			}
			if !yield(&rec, nil) {
				return
			}
		}
	}
}

// Delete removes a session's record.
func (a *Archive) Delete(ctx context.Context, sessionID string) error {
	return a.store.Delete(ctx, key(sessionID))
}
