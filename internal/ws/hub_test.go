package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
}

func (s *recordingSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHubPublishRoutesByKey(t *testing.T) {
	hub := NewHub()
	alice := &recordingSubscriber{}
	bob := &recordingSubscriber{}
	hub.Register("alice/site", alice)
	hub.Register("bob/blog", bob)

	hub.Publish("alice/site", "npm run build")
	waitFor(t, func() bool { return alice.count() == 1 })
	if bob.count() != 0 {
		t.Fatalf("bob must not receive alice's lines")
	}
	var line LogLine
	if err := json.Unmarshal(alice.payloads[0], &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line.Line != "npm run build" || line.Time.IsZero() {
		t.Fatalf("unexpected payload %+v", line)
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub()
	broken := &recordingSubscriber{fail: true}
	hub.Register("alice/site", broken)
	hub.Publish("alice/site", "line")
	waitFor(t, func() bool {
		broken.mu.Lock()
		defer broken.mu.Unlock()
		return broken.closed
	})
}

func TestWebsocketClientReceivesLines(t *testing.T) {
	hub := NewHub()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	upgrader := websocket.Upgrader{}
	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register("alice/site", NewClient(conn, logger))
		close(registered)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	<-registered
	hub.Publish("alice/site", "hello")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"line":"hello"`) {
		t.Fatalf("unexpected message %s", data)
	}
}

func TestSSEClientFramesAndClose(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := client.Send([]byte(`{"line":"x"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "event: log\ndata: {\"line\":\"x\"}\n\n") {
		t.Fatalf("unexpected frame %q", rec.Body.String())
	}
	done := make(chan struct{})
	go func() {
		client.Serve(context.Background(), time.Hour)
		close(done)
	}()
	client.Close()
	<-done
	if err := client.Send([]byte("late")); err == nil {
		t.Fatalf("expected error after close")
	}
}
