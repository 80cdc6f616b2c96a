package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/auralens/auralens/pkg/gen"
	"github.com/auralens/auralens/pkg/jsontime"
	"github.com/auralens/auralens/pkg/live"
	"github.com/auralens/auralens/pkg/wire"
)

func startServer(t *testing.T) string {
	t.Helper()
	srv := live.NewServer(live.Config{
		Fast: &gen.Func{GenName: "fast", Fn: func(context.Context, gen.Request) (string, error) {
			return "hello back", nil
		}},
		Deep: &gen.Func{GenName: "deep", Fn: func(context.Context, gen.Request) (string, error) {
			return "deep answer", nil
		}},
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestClientSessionRoundTrip(t *testing.T) {
	url := startServer(t)

	var mu sync.Mutex
	var responses []*wire.AIResponse
	c := New(Config{
		URL:  url,
		Mode: "general",
		Handler: func(m wire.Msg) {
			if r, ok := m.(*wire.AIResponse); ok {
				mu.Lock()
				responses = append(responses, r)
				mu.Unlock()
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Wait for the handshake.
	deadline := time.Now().Add(2 * time.Second)
	for c.SessionID() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("handshake never completed")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := c.Send(&wire.Transcript{Text: "hello", Time: jsontime.Now()}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(responses)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no response received")
		}
		time.Sleep(2 * time.Millisecond)
	}
	mu.Lock()
	got := responses[0].Text
	mu.Unlock()
	if got != "hello back" {
		t.Fatalf("response = %q", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop on context cancel")
	}
}

func TestClientSendBeforeConnect(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1"})
	if err := c.Send(&wire.SpeechStarted{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send = %v, want ErrNotConnected", err)
	}
}

func TestClientBackoffGivesUp(t *testing.T) {
	// Nothing listens here; the bounded backoff must surface the failure
	// instead of retrying forever.
	c := New(Config{URL: "ws://127.0.0.1:1", MaxElapsed: 50 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err == nil {
		t.Fatalf("Run succeeded against a dead endpoint")
	}
}

func TestClientReconnects(t *testing.T) {
	url := startServer(t)
	c := New(Config{URL: url, Mode: "general"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for c.SessionID() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("initial handshake never completed")
		}
		time.Sleep(2 * time.Millisecond)
	}
	first := c.SessionID()

	// Drop the connection out from under the client.
	c.disconnect()

	deadline = time.Now().Add(5 * time.Second)
	for {
		id := c.SessionID()
		if id != "" && id != first {
			return // reconnected with a fresh session
		}
		if time.Now().After(deadline) {
			t.Fatalf("client never reconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
