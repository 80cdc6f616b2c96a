package router

import (
	"strings"

	"github.com/auralens/auralens/pkg/session"
)

// deepMarkers are complexity cues that route a turn to the deep tier.
var deepMarkers = []string{
	"explain",
	"why ",
	"how does",
	"how would",
	"compare",
	"difference between",
	"step by step",
	"walk me through",
	"in detail",
	"analyze",
	"what would happen if",
	"pros and cons",
	"tell me more",
}

// deepWordThreshold routes long, multi-clause questions to the deep tier.
const deepWordThreshold = 24

// visualMarkers identify visually-grounded queries that require fresh
// context before answering.
var visualMarkers = []string{
	"what do you see",
	"what can you see",
	"can you see",
	"do you see",
	"what am i holding",
	"what am i looking at",
	"in front of me",
	"look at this",
	"what is this",
	"what s this",
	"describe the scene",
}

// Classify picks a tier for user text. Ties default to the fast tier to
// preserve latency.
func Classify(text string) Tier {
	norm := session.Normalize(text)
	if norm == "" {
		return TierFast
	}
	for _, m := range deepMarkers {
		if strings.Contains(norm, m) {
			return TierDeep
		}
	}
	if len(strings.Fields(norm)) > deepWordThreshold {
		return TierDeep
	}
	return TierFast
}

// IsVisualQuery reports whether text asks about the current view.
func IsVisualQuery(text string) bool {
	norm := session.Normalize(text)
	for _, m := range visualMarkers {
		if strings.Contains(norm, m) {
			return true
		}
	}
	return false
}
