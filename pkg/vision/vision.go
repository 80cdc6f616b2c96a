// Package vision decides whether cached visual context is usable or a fresh
// capture must be requested before answering a visually-grounded query.
// Returning a Stale result instead of fabricating a description is a
// correctness contract: the router must degrade to "no current view" on it.
package vision

import (
	"context"
	"log/slog"
	"time"

	"github.com/auralens/auralens/pkg/session"
)

// NoViewText is the degraded answer used when no fresh view is available.
const NoViewText = "I don't have a current view right now."

// DefaultFrameWait bounds how long a fresh-frame request may block a turn.
const DefaultFrameWait = 500 * time.Millisecond

// Context is the grounding result for a visually-grounded turn.
type Context struct {
	Description string
	CapturedAt  time.Time

	// Stale means no description fresh enough arrived in time. Callers
	// must not cite Description when Stale is set.
	Stale bool
}

// FrameWaiter blocks until a fresh visual context arrives for a session.
// The perception bridge implements it.
type FrameWaiter interface {
	AwaitFrame(ctx context.Context, sessionID string, timeout time.Duration) bool
}

// Strategy resolves grounding for one turn. The default threshold strategy
// requests a frame and degrades on timeout; race or consensus variants can
// be swapped in without touching callers.
type Strategy func(ctx context.Context, m *Manager, sessionID string, maxAge time.Duration) (Context, error)

// Manager implements the freshness contract over the session store.
type Manager struct {
	store        *session.Store
	waiter       FrameWaiter
	requestFrame func(sessionID string) error
	frameWait    time.Duration
	strategy     Strategy
	now          func() time.Time
	log          *slog.Logger
}

// Config wires a Manager.
type Config struct {
	Store        *session.Store
	Waiter       FrameWaiter
	RequestFrame func(sessionID string) error // sends the request_frame control signal
	FrameWait    time.Duration                // default DefaultFrameWait
	Strategy     Strategy                     // default Threshold
	Now          func() time.Time             // test hook
	Log          *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:        cfg.Store,
		waiter:       cfg.Waiter,
		requestFrame: cfg.RequestFrame,
		frameWait:    cfg.FrameWait,
		strategy:     cfg.Strategy,
		now:          cfg.Now,
		log:          cfg.Log,
	}
	if m.frameWait <= 0 {
		m.frameWait = DefaultFrameWait
	}
	if m.strategy == nil {
		m.strategy = Threshold
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// GroundedContext returns visual context no older than maxAge, or a Stale
// result after a bounded fresh-frame attempt. It never blocks longer than
// the configured frame wait.
func (m *Manager) GroundedContext(ctx context.Context, sessionID string, maxAge time.Duration) (Context, error) {
	return m.strategy(ctx, m, sessionID, maxAge)
}

// Threshold is the default strategy: use the cache when fresh enough, else
// request one frame and wait the bounded window, else degrade.
func Threshold(ctx context.Context, m *Manager, sessionID string, maxAge time.Duration) (Context, error) {
	snap, err := m.store.Get(sessionID)
	if err != nil {
		return Context{}, err
	}
	if fresh, ok := m.freshOf(snap, maxAge); ok {
		return fresh, nil
	}

	if m.requestFrame != nil {
		if err := m.requestFrame(sessionID); err != nil {
			m.log.Warn("frame request failed", "session", sessionID, "error", err)
			return Context{Stale: true}, nil
		}
	}
	if m.waiter != nil && m.waiter.AwaitFrame(ctx, sessionID, m.frameWait) {
		snap, err = m.store.Get(sessionID)
		if err != nil {
			return Context{}, err
		}
		if fresh, ok := m.freshOf(snap, maxAge); ok {
			return fresh, nil
		}
	}

	m.log.Debug("degrading to stale view", "session", sessionID, "max_age", maxAge)
	return Context{Stale: true}, nil
}

func (m *Manager) freshOf(snap *session.Snapshot, maxAge time.Duration) (Context, bool) {
	if snap.VisualContext == "" || snap.VisualContextAt.IsZero() {
		return Context{}, false
	}
	if m.now().Sub(snap.VisualContextAt) > maxAge {
		return Context{}, false
	}
	return Context{Description: snap.VisualContext, CapturedAt: snap.VisualContextAt}, true
}
