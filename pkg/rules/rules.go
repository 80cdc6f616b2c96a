// Package rules provides deterministic, mode-specific pattern responses for
// known high-confidence situations. A match produces a ready-to-speak
// utterance with zero provider calls; safety matches bypass rate limiting.
//
// Rule state is owned by the active rule set: switching mode rebuilds the
// set from scratch, so counters never leak across modes.
package rules

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/auralens/auralens/pkg/session"
)

// FallbackText is the degraded utterance used when every generation tier is
// exhausted.
const FallbackText = "I'm having trouble right now, still here."

// Match is a ready-to-speak rule result.
type Match struct {
	Rule   string
	Text   string
	Safety bool
}

// Rule inspects the current perception snapshot and either matches or not.
// Implementations may keep internal counters; they are discarded wholesale
// on mode change.
type Rule interface {
	Name() string
	Match(snap *session.Snapshot) *Match
}

// Engine holds the active rule set for one session.
type Engine struct {
	mu    sync.Mutex
	mode  session.Mode
	rules []Rule
	log   *slog.Logger
}

// NewEngine creates an Engine initialized for the given mode.
func NewEngine(mode session.Mode, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{log: log}
	e.SetMode(mode)
	return e
}

// SetMode replaces the entire rule set. All accumulated rule state is
// discarded; a rule keyed to the old mode can never fire after the switch.
func (e *Engine) SetMode(mode session.Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
	e.rules = buildRules(mode)
}

// Mode returns the mode the engine is currently built for.
func (e *Engine) Mode() session.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Match runs the active rules in priority order and returns the first
// match, or nil.
func (e *Engine) Match(snap *session.Snapshot) *Match {
	e.mu.Lock()
	defer e.mu.Unlock()
	if snap == nil || snap.Mode != e.mode {
		return nil
	}
	for _, r := range e.rules {
		if m := r.Match(snap); m != nil {
			m.Rule = r.Name()
			e.log.Debug("rule matched", "session", snap.ID, "rule", r.Name(), "safety", m.Safety)
			return m
		}
	}
	return nil
}

func buildRules(mode session.Mode) []Rule {
	common := []Rule{
		&staticRule{
			name:   "safety",
			safety: true,
			patterns: []string{
				"sharp pain", "chest pain", "can t breathe", "cant breathe",
				"i feel dizzy", "i m bleeding",
			},
			reply: "Stop what you're doing and take a moment. If it doesn't ease off quickly, please get help.",
		},
		&staticRule{
			name:     "presence",
			patterns: []string{"are you there", "are you still there", "can you hear me"},
			reply:    "Yes, still here.",
		},
	}

	switch mode {
	case session.ModeCoaching:
		return append(common,
			&repCounter{},
			&staticRule{
				name:     "form-warning",
				safety:   true,
				patterns: []string{"my knees are caving", "my back is rounding", "my form is slipping"},
				reply:    "Ease off the weight and reset your form before the next rep.",
			},
		)
	case session.ModeStudy:
		return append(common, &spellRule{})
	case session.ModeMeeting:
		return append(common,
			&staticRule{
				name:     "meeting-quiet",
				patterns: []string{"go quiet", "stay quiet", "mute yourself"},
				reply:    "Going quiet. Say my name when you need me.",
			},
		)
	default:
		return append(common,
			&staticRule{
				name:     "greeting",
				patterns: []string{"hello there", "good morning", "good evening", "hey assistant"},
				reply:    "Hey! I'm here, just say the word.",
			},
		)
	}
}

// staticRule matches any of its normalized patterns as a substring of the
// last utterance.
type staticRule struct {
	name     string
	patterns []string
	reply    string
	safety   bool
}

func (r *staticRule) Name() string { return r.name }

func (r *staticRule) Match(snap *session.Snapshot) *Match {
	last := snap.LastUtterance()
	if last == nil {
		return nil
	}
	norm := session.Normalize(last.Text)
	for _, p := range r.patterns {
		if strings.Contains(norm, p) {
			return &Match{Text: r.reply, Safety: r.safety}
		}
	}
	return nil
}

// repCounter counts completed repetitions announced by the user in coaching
// mode. Its count lives only as long as the current rule set.
type repCounter struct {
	count int
}

func (r *repCounter) Name() string { return "rep-counter" }

func (r *repCounter) Match(snap *session.Snapshot) *Match {
	last := snap.LastUtterance()
	if last == nil {
		return nil
	}
	norm := session.Normalize(last.Text)
	switch {
	case strings.Contains(norm, "reset the count") || strings.Contains(norm, "start over"):
		r.count = 0
		return &Match{Text: "Counter reset. Ready when you are."}
	case norm == "done" || strings.Contains(norm, "rep done") || strings.Contains(norm, "another one down"):
		r.count++
		return &Match{Text: fmt.Sprintf("That's %d.", r.count)}
	case strings.Contains(norm, "how many reps"):
		return &Match{Text: fmt.Sprintf("You're at %d so far.", r.count)}
	}
	return nil
}

// spellRule spells a single word on request in study mode.
type spellRule struct{}

func (r *spellRule) Name() string { return "spell" }

func (r *spellRule) Match(snap *session.Snapshot) *Match {
	last := snap.LastUtterance()
	if last == nil {
		return nil
	}
	norm := session.Normalize(last.Text)
	const prefix = "spell "
	if !strings.HasPrefix(norm, prefix) {
		return nil
	}
	word := strings.TrimSpace(strings.TrimPrefix(norm, prefix))
	if word == "" || strings.ContainsRune(word, ' ') {
		return nil
	}
	letters := strings.ToUpper(strings.Join(strings.Split(word, ""), ", "))
	return &Match{Text: fmt.Sprintf("%s: %s.", word, letters)}
}
