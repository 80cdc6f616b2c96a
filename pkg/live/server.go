// Package live runs the orchestration core over persistent websocket
// connections: one session per connection, a read loop dispatching wire
// messages into the perception bridge, and a turn pipeline running
// rules -> router -> gate -> speaker for every eligible turn.
package live

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/auralens/auralens/pkg/archive"
	"github.com/auralens/auralens/pkg/gate"
	"github.com/auralens/auralens/pkg/gen"
	"github.com/auralens/auralens/pkg/interrupt"
	"github.com/auralens/auralens/pkg/perception"
	"github.com/auralens/auralens/pkg/router"
	"github.com/auralens/auralens/pkg/rules"
	"github.com/auralens/auralens/pkg/session"
	"github.com/auralens/auralens/pkg/speaker"
	"github.com/auralens/auralens/pkg/turn"
	"github.com/auralens/auralens/pkg/vision"
	"github.com/auralens/auralens/pkg/wire"
)

// analyzeTimeout bounds one frame-analysis provider call.
const analyzeTimeout = 5 * time.Second

var errFirstMessage = errors.New("live: first message must be session_start")

// Config wires a Server. Fast and Deep are required; everything else has a
// working default (text-only voice, no vision analyzer, no archive).
type Config struct {
	Fast gen.Generator
	Deep gen.Generator

	Synth    speaker.Synthesizer
	Analyzer vision.Analyzer
	Archive  *archive.Archive

	FastTimeout     time.Duration
	DeepTimeout     time.Duration
	Staleness       time.Duration
	FrameWait       time.Duration
	RateLimitWindow time.Duration
	DedupWindow     time.Duration

	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration

	Instructions string
	Log          *slog.Logger
}

// Server owns the live sessions and every pipeline component.
type Server struct {
	store     *session.Store
	bridge    *perception.Bridge
	vision    *vision.Manager
	router    *router.Router
	gate      *gate.Gate
	speaker   *speaker.Speaker
	interrupt *interrupt.Handler
	analyzer  vision.Analyzer
	archive   *archive.Archive
	upgrader  websocket.Upgrader
	log       *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

// NewServer builds the full pipeline from cfg.
func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		store:    session.NewStore(),
		analyzer: cfg.Analyzer,
		archive:  cfg.Archive,
		log:      log,
		conns:    make(map[string]*conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.bridge = perception.NewBridge(s.store, log)
	s.vision = vision.NewManager(vision.Config{
		Store:  s.store,
		Waiter: s.bridge,
		RequestFrame: func(sessionID string) error {
			return s.send(sessionID, &wire.RequestFrame{})
		},
		FrameWait: cfg.FrameWait,
		Log:       log,
	})
	s.router = router.New(router.Config{
		Fast:             cfg.Fast,
		Deep:             cfg.Deep,
		Vision:           s.vision,
		FastTimeout:      cfg.FastTimeout,
		DeepTimeout:      cfg.DeepTimeout,
		Staleness:        cfg.Staleness,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerWindow:    cfg.BreakerWindow,
		BreakerCooldown:  cfg.BreakerCooldown,
		Instructions:     cfg.Instructions,
		Log:              log,
	})
	s.gate = gate.New(gate.Config{
		Store:           s.store,
		RateLimitWindow: cfg.RateLimitWindow,
		DedupWindow:     cfg.DedupWindow,
		Log:             log,
	})
	s.speaker = speaker.New(speaker.Config{
		Store: s.store,
		Synth: cfg.Synth,
		Emit:  s.send,
		Log:   log,
	})
	s.interrupt = interrupt.New(interrupt.Config{
		Store:   s.store,
		Speaker: s.speaker,
		Emit:    s.send,
		Log:     log,
	})
	return s
}

// Store exposes the session store for inspection and tests.
func (s *Server) Store() *session.Store { return s.store }

// ServeHTTP upgrades the request and runs the connection until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &conn{srv: s, ws: ws}
	c.run()
}

// send delivers an outbound message to the session's connection.
func (s *Server) send(sessionID string, m wire.Msg) error {
	s.mu.Lock()
	c, ok := s.conns[sessionID]
	s.mu.Unlock()
	if !ok {
		return session.ErrNotFound
	}
	return c.write(m)
}

func (s *Server) register(sessionID string, c *conn) {
	s.mu.Lock()
	s.conns[sessionID] = c
	s.mu.Unlock()
}

func (s *Server) unregister(sessionID string, c *conn) {
	s.mu.Lock()
	if s.conns[sessionID] == c {
		delete(s.conns, sessionID)
	}
	s.mu.Unlock()
}

// conn is one client connection and its session.
type conn struct {
	srv       *Server
	ws        *websocket.Conn
	sessionID string
	engine    *rules.Engine
	startedAt time.Time

	// deferred holds a turn whose transcript arrived before the
	// speech_stopped that ends the utterance. Touched only on the read loop.
	deferred *turn.Turn

	writeMu sync.Mutex
}

func (c *conn) write(m wire.Msg) error {
	data, err := wire.Marshal(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) run() {
	defer c.ws.Close()

	if err := c.handshake(); err != nil {
		c.srv.log.Warn("handshake failed", "remote", c.ws.RemoteAddr(), "error", err)
		return
	}
	log := c.srv.log.With("session", c.sessionID)
	log.Info("session started")

	reason := c.readLoop()

	c.teardown(reason)
	log.Info("session ended", "reason", reason)
}

// handshake requires session_start as the first message and creates the
// session.
func (c *conn) handshake() error {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	m, err := wire.Unmarshal(data)
	if err != nil {
		return err
	}
	start, ok := m.(*wire.SessionStart)
	if !ok {
		return errFirstMessage
	}

	id := start.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	mode := session.ParseMode(start.Mode)
	if _, err := c.srv.store.Create(id, mode, start.Sensitivity); err != nil {
		return err
	}
	if err := c.srv.bridge.Attach(id); err != nil {
		return err
	}

	c.sessionID = id
	c.engine = rules.NewEngine(mode, c.srv.log)
	c.startedAt = time.Now()
	c.srv.register(id, c)

	return c.write(&wire.SessionReady{SessionID: id})
}

// readLoop dispatches inbound messages until the connection or session ends.
// It must never block on provider calls; anything slow runs in its own
// goroutine so barge-in stays immediate.
func (c *conn) readLoop() string {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return "connection closed"
		}
		m, err := wire.Unmarshal(data)
		if err != nil {
			c.srv.log.Warn("bad message dropped", "session", c.sessionID, "error", err)
			continue
		}

		switch v := m.(type) {
		case *wire.SessionEnd:
			if v.Reason != "" {
				return v.Reason
			}
			return "client ended session"

		case *wire.AudioChunk:
			// Raw audio goes to the transcription collaborator, which feeds
			// back speech events and transcripts. Nothing to do here.

		case *wire.SpeechStarted:
			c.onSpeechStarted()

		case *wire.SpeechStopped:
			c.onSpeechStopped()

		case *wire.Transcript:
			c.onTranscript(v)

		case *wire.Perception:
			c.onVisual(v.Description, v.CapturedAt.Time())

		case *wire.Frame:
			go c.onFrame(v)

		case *wire.ModeChange:
			c.onModeChange(v.Mode)

		case *wire.SensitivityUpdate:
			c.onSensitivity(v.Sensitivity)

		default:
			c.srv.log.Debug("unexpected message type ignored",
				"session", c.sessionID, "type", m.MsgType())
		}
	}
}

func (c *conn) teardown(reason string) {
	_ = c.write(&wire.SessionClosed{Reason: reason})
	c.srv.interrupt.BargeIn(c.sessionID)

	snap, err := c.srv.store.Destroy(c.sessionID)
	c.srv.unregister(c.sessionID, c)
	if err != nil {
		return
	}
	if c.srv.archive == nil {
		return
	}
	rec := archive.FromSnapshot(snap, c.startedAt, time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.srv.archive.Write(ctx, rec); err != nil {
		c.srv.log.Warn("archive write failed", "session", c.sessionID, "error", err)
	}
}

// onSpeechStarted marks the user speaking and aborts whatever the assistant
// is doing. The user always wins.
func (c *conn) onSpeechStarted() {
	assistantSpeaking, err := c.srv.bridge.OnUserSpeech(c.sessionID, true)
	if err != nil {
		return
	}
	if assistantSpeaking {
		c.srv.log.Debug("barge-in", "session", c.sessionID)
	}
	c.srv.interrupt.BargeIn(c.sessionID)
}

// onSpeechStopped ends the user's floor and replays the turn held back while
// they were still speaking, if any.
func (c *conn) onSpeechStopped() {
	if _, err := c.srv.bridge.OnUserSpeech(c.sessionID, false); err != nil {
		return
	}
	if tn := c.deferred; tn != nil {
		c.deferred = nil
		go c.handleTurn(tn)
	}
}

func (c *conn) onTranscript(v *wire.Transcript) {
	tn, err := c.srv.bridge.OnTranscript(c.sessionID, v.Text, v.Confidence, v.Time.Time())
	if err != nil || tn == nil {
		return
	}
	// Channels can reorder: a finalized transcript may land before the
	// speech_stopped that ends the utterance. Hold the turn until then
	// instead of letting the user-speaking guard discard it. Latest wins.
	if snap, err := c.srv.store.Get(c.sessionID); err == nil && snap.IsUserSpeaking {
		c.deferred = tn
		return
	}
	go c.handleTurn(tn)
}

func (c *conn) onVisual(description string, capturedAt time.Time) {
	_, changed, err := c.srv.bridge.OnVisual(c.sessionID, description, capturedAt)
	if err != nil || !changed {
		return
	}
	snap, err := c.srv.store.Get(c.sessionID)
	if err != nil || snap.Sensitivity == 0 {
		return
	}
	tn, err := c.srv.bridge.ProactiveTurn(c.sessionID)
	if err != nil || tn == nil {
		return
	}
	go c.handleTurn(tn)
}

// onFrame runs a raw camera frame through the analyzer and feeds the result
// back as a visual-context event. Runs off the read loop: analysis is a
// provider call.
func (c *conn) onFrame(v *wire.Frame) {
	if c.srv.analyzer == nil {
		return
	}
	data, err := base64.StdEncoding.DecodeString(v.Data)
	if err != nil {
		c.srv.log.Warn("bad frame payload", "session", c.sessionID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), analyzeTimeout)
	defer cancel()
	desc, err := c.srv.analyzer.Describe(ctx, data, v.MIMEType)
	if err != nil {
		c.srv.log.Warn("frame analysis failed", "session", c.sessionID, "error", err)
		return
	}
	capturedAt := v.CapturedAt.Time()
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	c.onVisual(desc, capturedAt)
}

func (c *conn) onModeChange(mode string) {
	parsed := session.ParseMode(mode)
	err := c.srv.store.Update(c.sessionID, func(s *session.Session) error {
		s.Mode = parsed
		return nil
	})
	if err != nil {
		return
	}
	c.engine.SetMode(parsed)
	c.srv.log.Info("mode changed", "session", c.sessionID, "mode", parsed)
}

func (c *conn) onSensitivity(v int) {
	if v < 0 {
		v = 0
	}
	if v > 10 {
		v = 10
	}
	_ = c.srv.store.Update(c.sessionID, func(s *session.Session) error {
		s.Sensitivity = v
		return nil
	})
}

// handleTurn runs one eligible turn end to end: reserve the pending slot,
// try the rule engine, fall through to the router, pass the gate, speak.
// Every early return is an absorbed rejection or a deliberate silence.
func (c *conn) handleTurn(tn *turn.Turn) {
	generationID := uuid.NewString()

	// Registration precedes the reserve so a barge-in arriving the instant
	// the pending slot appears can already cancel this generation.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.srv.interrupt.RegisterGeneration(tn.SessionID, generationID, cancel)
	defer c.srv.interrupt.ClearGeneration(tn.SessionID, generationID)

	if err := c.srv.gate.Reserve(tn.SessionID, generationID); err != nil {
		return
	}

	cand := c.matchRule(tn, generationID)
	if cand == nil {
		var err error
		cand, err = c.srv.router.Route(ctx, tn, generationID)
		if err != nil {
			c.srv.gate.Release(tn.SessionID, generationID)
			return
		}
	}
	if cand == nil {
		// Deliberate silence (e.g. proactive turn with no usable view).
		c.srv.gate.Release(tn.SessionID, generationID)
		_ = c.srv.store.Update(tn.SessionID, func(s *session.Session) error {
			s.RecordSilence()
			return nil
		})
		return
	}

	if err := c.srv.gate.Approve(cand); err != nil {
		return
	}
	if err := c.srv.speaker.Speak(ctx, cand); err != nil {
		c.srv.log.Debug("playback ended early",
			"session", tn.SessionID, "generation", generationID, "error", err)
	}
}

// matchRule consults the deterministic rule engine; a match short-circuits
// the generation tiers entirely.
func (c *conn) matchRule(tn *turn.Turn, generationID string) *turn.Candidate {
	if tn.Proactive {
		return nil
	}
	snap, err := c.srv.store.Get(tn.SessionID)
	if err != nil {
		return nil
	}
	m := c.engine.Match(snap)
	if m == nil {
		return nil
	}
	return &turn.Candidate{
		SessionID:    tn.SessionID,
		GenerationID: generationID,
		Text:         m.Text,
		Source:       turn.SourceRule,
		Safety:       m.Safety,
	}
}
