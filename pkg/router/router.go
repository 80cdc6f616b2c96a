// Package router classifies eligible turns and drives the tiered generation
// providers: a fast, low-latency tier for conversational replies and a deep
// tier for complex questions. Each tier sits behind its own circuit breaker;
// timeouts count as failures and turns fail over to the remaining tier
// before degrading to the rule engine's generic fallback.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/auralens/auralens/pkg/gen"
	"github.com/auralens/auralens/pkg/rules"
	"github.com/auralens/auralens/pkg/turn"
	"github.com/auralens/auralens/pkg/vision"
)

// Tier is a generation-provider class.
type Tier string

const (
	TierFast Tier = "fast"
	TierDeep Tier = "deep"
)

// Provider failure taxonomy. Timeouts and errors are equivalent for
// circuit-breaker purposes.
var (
	ErrProviderTimeout = errors.New("router: provider timeout")
	ErrProviderError   = errors.New("router: provider error")
)

// Defaults.
const (
	DefaultFastTimeout      = 1500 * time.Millisecond
	DefaultDeepTimeout      = 6 * time.Second
	DefaultBreakerThreshold = 3
	DefaultBreakerWindow    = 30 * time.Second
	DefaultBreakerCooldown  = 20 * time.Second
	DefaultStaleness        = 2 * time.Second

	fastMaxTokens = 120
	deepMaxTokens = 600
)

const defaultInstructions = "You are a live voice assistant watching and listening alongside the user. " +
	"Answer in one to three short spoken sentences. Ground visual answers only in the provided view; " +
	"if no view is provided, never describe one."

// Config wires a Router.
type Config struct {
	Fast gen.Generator
	Deep gen.Generator

	// Vision resolves grounding for visually-grounded turns. Optional;
	// when nil, visual queries degrade immediately.
	Vision *vision.Manager

	FastTimeout time.Duration
	DeepTimeout time.Duration
	Staleness   time.Duration

	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration

	Instructions string
	Log          *slog.Logger
}

// Router selects a tier and produces a candidate for an eligible turn.
type Router struct {
	fast, deep   gen.Generator
	vision       *vision.Manager
	timeouts     map[Tier]time.Duration
	breakers     map[Tier]*Breaker
	staleness    time.Duration
	instructions string
	log          *slog.Logger
}

// New creates a Router.
func New(cfg Config) *Router {
	if cfg.FastTimeout <= 0 {
		cfg.FastTimeout = DefaultFastTimeout
	}
	if cfg.DeepTimeout <= 0 {
		cfg.DeepTimeout = DefaultDeepTimeout
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultStaleness
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultBreakerThreshold
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = DefaultBreakerWindow
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultBreakerCooldown
	}
	if cfg.Instructions == "" {
		cfg.Instructions = defaultInstructions
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Router{
		fast:   cfg.Fast,
		deep:   cfg.Deep,
		vision: cfg.Vision,
		timeouts: map[Tier]time.Duration{
			TierFast: cfg.FastTimeout,
			TierDeep: cfg.DeepTimeout,
		},
		breakers: map[Tier]*Breaker{
			TierFast: NewBreaker(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerCooldown),
			TierDeep: NewBreaker(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerCooldown),
		},
		staleness:    cfg.Staleness,
		instructions: cfg.Instructions,
		log:          cfg.Log,
	}
}

// Breaker exposes a tier's breaker, for tests and health reporting.
func (r *Router) Breaker(t Tier) *Breaker {
	return r.breakers[t]
}

// Route produces a candidate for the turn, or nil when the correct outcome
// is silence (e.g. a proactive turn with no usable view).
func (r *Router) Route(ctx context.Context, tn *turn.Turn, generationID string) (*turn.Candidate, error) {
	req := gen.Request{
		Instructions: r.instructions,
		UserText:     tn.Text,
	}

	visual := tn.Proactive || IsVisualQuery(tn.Text)
	if visual {
		grounded, err := r.ground(ctx, tn)
		if err != nil {
			return nil, err
		}
		if grounded.Stale {
			if tn.Proactive {
				// Nothing trustworthy to observe; stay silent.
				return nil, nil
			}
			// Anti-hallucination contract: degrade, never fabricate.
			return &turn.Candidate{
				SessionID:    tn.SessionID,
				GenerationID: generationID,
				Text:         vision.NoViewText,
				Source:       turn.SourceFallback,
			}, nil
		}
		req.Context = grounded.Description
	}

	tier := Classify(tn.Text)
	if tn.Proactive {
		tier = TierFast
	}

	for _, t := range []Tier{tier, other(tier)} {
		g := r.generator(t)
		if g == nil {
			continue
		}
		br := r.breakers[t]
		if !br.Allow() {
			r.log.Debug("tier short-circuited", "tier", t, "state", br.State())
			continue
		}

		text, err := r.call(ctx, g, t, req)
		if err != nil {
			br.RecordFailure()
			r.log.Warn("tier call failed", "tier", t, "provider", g.Name(), "error", err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		br.RecordSuccess()
		return &turn.Candidate{
			SessionID:    tn.SessionID,
			GenerationID: generationID,
			Text:         text,
			Source:       source(t),
			Unsolicited:  tn.Proactive,
		}, nil
	}

	// Every tier exhausted: the only user-visible degraded response.
	return &turn.Candidate{
		SessionID:    tn.SessionID,
		GenerationID: generationID,
		Text:         rules.FallbackText,
		Source:       turn.SourceFallback,
		Unsolicited:  tn.Proactive,
	}, nil
}

func (r *Router) ground(ctx context.Context, tn *turn.Turn) (vision.Context, error) {
	if r.vision == nil {
		return vision.Context{Stale: true}, nil
	}
	return r.vision.GroundedContext(ctx, tn.SessionID, r.staleness)
}

func (r *Router) call(ctx context.Context, g gen.Generator, t Tier, req gen.Request) (string, error) {
	if t == TierFast {
		req.MaxTokens = fastMaxTokens
	} else {
		req.MaxTokens = deepMaxTokens
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeouts[t])
	defer cancel()

	text, err := g.Generate(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s after %v", ErrProviderTimeout, g.Name(), r.timeouts[t])
		}
		return "", fmt.Errorf("%w: %s: %v", ErrProviderError, g.Name(), err)
	}
	return text, nil
}

func (r *Router) generator(t Tier) gen.Generator {
	if t == TierFast {
		return r.fast
	}
	return r.deep
}

func other(t Tier) Tier {
	if t == TierFast {
		return TierDeep
	}
	return TierFast
}

func source(t Tier) turn.Source {
	if t == TierDeep {
		return turn.SourceDeep
	}
	return turn.SourceFast
}
