// Package session holds the authoritative mutable state for every live
// assistant session. The Store is the only shared mutable structure in the
// orchestration core; all other components read and write through it.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

// Mode is the session operating mode. It selects the active rule set and
// proactivity defaults.
type Mode string

const (
	ModeGeneral  Mode = "general"
	ModeCoaching Mode = "coaching"
	ModeStudy    Mode = "study"
	ModeMeeting  Mode = "meeting"
)

// ParseMode maps a wire mode string to a Mode, defaulting to general.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeCoaching:
		return ModeCoaching
	case ModeStudy:
		return ModeStudy
	case ModeMeeting:
		return ModeMeeting
	default:
		return ModeGeneral
	}
}

// DefaultTranscriptLimit bounds the utterance history kept per session.
const DefaultTranscriptLimit = 10

// recentHashLimit bounds the duplicate-suppression set.
const recentHashLimit = 8

// Utterance is one finalized user utterance.
type Utterance struct {
	Text       string
	Confidence float64
	At         time.Time // capture time
}

// Metrics counts orchestration decisions for observability and tests.
// Rejections are keyed by gate rejection reason.
type Metrics struct {
	Responses  int64
	Silences   int64
	Rejections map[string]int64
}

func (m Metrics) clone() Metrics {
	cp := Metrics{Responses: m.Responses, Silences: m.Silences}
	if m.Rejections != nil {
		cp.Rejections = make(map[string]int64, len(m.Rejections))
		for k, v := range m.Rejections {
			cp.Rejections[k] = v
		}
	}
	return cp
}

type utteranceHash struct {
	sum string
	at  time.Time
}

// Session is the per-connection state record. It must only be touched inside
// Store.Update, which serializes mutations per session.
type Session struct {
	ID          string
	Mode        Mode
	Sensitivity int // 0-10; higher means more proactive

	// Speaking flags. Each has exactly one writer path: the perception
	// bridge owns IsUserSpeaking, the speaker/interrupt pair owns
	// IsAssistantSpeaking.
	IsUserSpeaking      bool
	IsAssistantSpeaking bool

	LastSpokeAt time.Time

	Transcript      []Utterance
	VisualContext   string
	VisualContextAt time.Time

	// PendingGenerationID is non-empty while exactly one response pipeline
	// is in flight. The decision gate is the only writer.
	PendingGenerationID string

	Metrics Metrics

	recentHashes []utteranceHash
}

// AppendUtterance appends to the bounded transcript buffer, evicting the
// oldest entry when the limit is exceeded.
func (s *Session) AppendUtterance(u Utterance) {
	s.Transcript = append(s.Transcript, u)
	if n := len(s.Transcript) - DefaultTranscriptLimit; n > 0 {
		s.Transcript = append(s.Transcript[:0], s.Transcript[n:]...)
	}
}

// RememberUtterance records the normalized hash of spoken text for
// duplicate suppression.
func (s *Session) RememberUtterance(text string, at time.Time) {
	s.recentHashes = append(s.recentHashes, utteranceHash{sum: HashText(text), at: at})
	if n := len(s.recentHashes) - recentHashLimit; n > 0 {
		s.recentHashes = append(s.recentHashes[:0], s.recentHashes[n:]...)
	}
}

// SpokenRecently reports whether text (after normalization) was spoken
// within window of now.
func (s *Session) SpokenRecently(text string, now time.Time, window time.Duration) bool {
	sum := HashText(text)
	for _, h := range s.recentHashes {
		if h.sum == sum && now.Sub(h.at) <= window {
			return true
		}
	}
	return false
}

// RecordResponse counts an emitted response and resets the rate-limit clock.
func (s *Session) RecordResponse(now time.Time) {
	s.Metrics.Responses++
	s.LastSpokeAt = now
}

// RecordSilence counts a deliberate decision not to speak.
func (s *Session) RecordSilence() {
	s.Metrics.Silences++
}

// RecordRejection counts a gate rejection by reason.
func (s *Session) RecordRejection(reason string) {
	if s.Metrics.Rejections == nil {
		s.Metrics.Rejections = make(map[string]int64)
	}
	s.Metrics.Rejections[reason]++
}

// Snapshot is an immutable copy of a session for race-free reads.
type Snapshot struct {
	ID                  string
	Mode                Mode
	Sensitivity         int
	IsUserSpeaking      bool
	IsAssistantSpeaking bool
	LastSpokeAt         time.Time
	Transcript          []Utterance
	VisualContext       string
	VisualContextAt     time.Time
	PendingGenerationID string
	Metrics             Metrics
}

// LastUtterance returns the most recent transcript entry, or nil.
func (sn *Snapshot) LastUtterance() *Utterance {
	if len(sn.Transcript) == 0 {
		return nil
	}
	return &sn.Transcript[len(sn.Transcript)-1]
}

func (s *Session) snapshot() *Snapshot {
	transcript := make([]Utterance, len(s.Transcript))
	copy(transcript, s.Transcript)
	return &Snapshot{
		ID:                  s.ID,
		Mode:                s.Mode,
		Sensitivity:         s.Sensitivity,
		IsUserSpeaking:      s.IsUserSpeaking,
		IsAssistantSpeaking: s.IsAssistantSpeaking,
		LastSpokeAt:         s.LastSpokeAt,
		Transcript:          transcript,
		VisualContext:       s.VisualContext,
		VisualContextAt:     s.VisualContextAt,
		PendingGenerationID: s.PendingGenerationID,
		Metrics:             s.Metrics.clone(),
	}
}

// Normalize lowercases text and strips punctuation and extra whitespace so
// near-identical utterances hash alike.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// HashText returns the dedup hash of normalized text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:8])
}
