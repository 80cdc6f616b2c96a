// Package gate is the single chokepoint every candidate utterance must pass
// before reaching the speaker. Reserve claims the session's one in-flight
// generation slot before any provider call; Approve applies content guards,
// duplicate suppression, and rate limiting to the produced text. Together
// they enforce mutual exclusion: at most one non-empty pending generation
// per session at any instant.
//
// Rejections are absorbed locally — counted in session metrics, logged, and
// never surfaced to the user. Silence is a valid outcome, not a failure.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/auralens/auralens/pkg/session"
	"github.com/auralens/auralens/pkg/turn"
)

// Rejection reasons, used as metrics keys.
const (
	ReasonAlreadySpeaking = "already_speaking"
	ReasonUserSpeaking    = "user_speaking"
	ReasonPending         = "generation_in_flight"
	ReasonSuperseded      = "superseded"
	ReasonRateLimited     = "rate_limited"
	ReasonDuplicate       = "duplicate"
	ReasonGuardRejected   = "guard_rejected"
)

// Rejection is returned when the gate suppresses a candidate.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("gate: suppressed (%s)", r.Reason)
}

// ReasonOf extracts the rejection reason from an error, if it is one.
func ReasonOf(err error) (string, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// Defaults.
const (
	DefaultRateLimitWindow = 20 * time.Second
	DefaultDedupWindow     = 30 * time.Second
)

// defaultMaxLen bounds candidate length per source, in runes.
var defaultMaxLen = map[turn.Source]int{
	turn.SourceRule:     400,
	turn.SourceFast:     600,
	turn.SourceDeep:     2400,
	turn.SourceFallback: 400,
}

// defaultBannedPhrases are filler phrases a live voice assistant must never
// speak. Matched against normalized text.
var defaultBannedPhrases = []string{
	"as an ai language model",
	"as a large language model",
	"i am just an ai",
	"lorem ipsum",
}

// Config wires a Gate.
type Config struct {
	Store           *session.Store
	RateLimitWindow time.Duration
	DedupWindow     time.Duration
	MaxLen          map[turn.Source]int
	BannedPhrases   []string
	Now             func() time.Time // test hook
	Log             *slog.Logger
}

// Gate evaluates candidates against session state.
type Gate struct {
	store       *session.Store
	rateWindow  time.Duration
	dedupWindow time.Duration
	maxLen      map[turn.Source]int
	banned      []string
	now         func() time.Time
	log         *slog.Logger
}

// New creates a Gate.
func New(cfg Config) *Gate {
	g := &Gate{
		store:       cfg.Store,
		rateWindow:  cfg.RateLimitWindow,
		dedupWindow: cfg.DedupWindow,
		maxLen:      cfg.MaxLen,
		banned:      cfg.BannedPhrases,
		now:         cfg.Now,
		log:         cfg.Log,
	}
	if g.rateWindow <= 0 {
		g.rateWindow = DefaultRateLimitWindow
	}
	if g.dedupWindow <= 0 {
		g.dedupWindow = DefaultDedupWindow
	}
	if g.maxLen == nil {
		g.maxLen = defaultMaxLen
	}
	if g.banned == nil {
		g.banned = defaultBannedPhrases
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	return g
}

// Reserve claims the session's pending-generation slot for generationID.
// It fails when the assistant or user is speaking, or when another
// generation is already in flight.
func (g *Gate) Reserve(sessionID, generationID string) error {
	var rej *Rejection
	err := g.store.Update(sessionID, func(s *session.Session) error {
		switch {
		case s.IsAssistantSpeaking:
			rej = &Rejection{Reason: ReasonAlreadySpeaking}
		case s.IsUserSpeaking:
			rej = &Rejection{Reason: ReasonUserSpeaking}
		case s.PendingGenerationID != "":
			rej = &Rejection{Reason: ReasonPending}
		default:
			s.PendingGenerationID = generationID
			return nil
		}
		s.RecordRejection(rej.Reason)
		return nil
	})
	if err != nil {
		return err
	}
	if rej != nil {
		g.log.Debug("reserve suppressed", "session", sessionID, "reason", rej.Reason)
		return rej
	}
	return nil
}

// Release frees the pending slot if generationID still holds it. Safe to
// call after cancellation or rejection.
func (g *Gate) Release(sessionID, generationID string) {
	_ = g.store.Update(sessionID, func(s *session.Session) error {
		if s.PendingGenerationID == generationID {
			s.PendingGenerationID = ""
		}
		return nil
	})
}

// Approve validates a produced candidate against the live session state.
// On success the candidate's hash is remembered for duplicate suppression
// and the pending slot stays claimed for the speaker. On rejection the
// pending slot is released and the reason is counted.
func (g *Gate) Approve(c *turn.Candidate) error {
	now := g.now()
	var rej *Rejection
	err := g.store.Update(c.SessionID, func(s *session.Session) error {
		rej = g.check(s, c, now)
		if rej == nil {
			s.RememberUtterance(c.Text, now)
			return nil
		}
		if s.PendingGenerationID == c.GenerationID {
			s.PendingGenerationID = ""
		}
		s.RecordRejection(rej.Reason)
		return nil
	})
	if err != nil {
		return err
	}
	if rej != nil {
		g.log.Debug("candidate suppressed",
			"session", c.SessionID, "generation", c.GenerationID,
			"source", c.Source, "reason", rej.Reason)
		return rej
	}
	return nil
}

func (g *Gate) check(s *session.Session, c *turn.Candidate, now time.Time) *Rejection {
	if s.PendingGenerationID != c.GenerationID {
		// Cancelled or replaced while the provider was generating.
		return &Rejection{Reason: ReasonSuperseded}
	}
	if s.IsAssistantSpeaking {
		return &Rejection{Reason: ReasonAlreadySpeaking}
	}
	if s.IsUserSpeaking {
		return &Rejection{Reason: ReasonUserSpeaking}
	}
	if c.Unsolicited && !c.Safety && !s.LastSpokeAt.IsZero() &&
		now.Sub(s.LastSpokeAt) < g.rateWindow {
		return &Rejection{Reason: ReasonRateLimited}
	}
	if s.SpokenRecently(c.Text, now, g.dedupWindow) {
		return &Rejection{Reason: ReasonDuplicate}
	}
	if g.guardRejected(c) {
		return &Rejection{Reason: ReasonGuardRejected}
	}
	return nil
}

func (g *Gate) guardRejected(c *turn.Candidate) bool {
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return true
	}
	if max, ok := g.maxLen[c.Source]; ok && len([]rune(text)) > max {
		return true
	}
	norm := session.Normalize(text)
	for _, p := range g.banned {
		if strings.Contains(norm, p) {
			return true
		}
	}
	return false
}
