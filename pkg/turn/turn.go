// Package turn defines the types that flow through the response pipeline:
// an eligible Turn produced by the perception bridge and a Candidate
// utterance produced by the rule engine or a generation tier.
package turn

import "time"

// Source identifies which path produced a candidate.
type Source string

const (
	SourceRule     Source = "rule"
	SourceFast     Source = "fast"
	SourceDeep     Source = "deep"
	SourceFallback Source = "fallback"
)

// Turn is an eligible unit of user input handed to the router, with the
// freshest visual context already injected by the perception bridge.
type Turn struct {
	SessionID  string
	Text       string
	Confidence float64
	At         time.Time

	VisualContext   string
	VisualContextAt time.Time

	// Proactive marks a turn derived from a visual-context change rather
	// than a user utterance. Responses to proactive turns are unsolicited.
	Proactive bool
}

// Candidate is a would-be assistant utterance awaiting decision-gate
// approval.
type Candidate struct {
	SessionID    string
	GenerationID string
	Text         string
	Source       Source

	// Unsolicited marks speech that is not a direct answer to the user;
	// only unsolicited candidates are rate limited.
	Unsolicited bool

	// Safety marks rule matches that bypass rate limiting entirely.
	Safety bool
}
