package sandbox

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newAgentSocketServer runs handler against each upgraded connection and
// returns the ws:// URL to dial.
func newAgentSocketServer(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTaskStream(t *testing.T, wsURL string) *TaskStream {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewTaskStream(conn)
}

func TestTaskStreamNext(t *testing.T) {
	wsURL := newAgentSocketServer(t, func(conn *websocket.Conn) {
		events := []AgentEvent{
			{Type: EventThinking, Text: "planning the report"},
			{Type: EventOutput, Text: "Here is the summary."},
			{Type: EventFile, File: &FileOutput{Path: "out/report.md", MimeType: "text/markdown", Size: 512}},
			{Type: EventComplete, Usage: &TaskUsage{PromptTokens: 40, CompletionTokens: 200}},
		}
		for _, ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	})

	ts := dialTaskStream(t, wsURL)

	first, err := ts.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if first.Type != EventThinking || first.Text != "planning the report" {
		t.Errorf("unexpected first event: %+v", first)
	}
	if first.Terminal() {
		t.Error("thinking event should not be terminal")
	}

	second, err := ts.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if second.Type != EventOutput || second.Text != "Here is the summary." {
		t.Errorf("unexpected second event: %+v", second)
	}

	third, err := ts.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if third.Type != EventFile {
		t.Fatalf("expected file event, got %+v", third)
	}
	if third.File == nil || third.File.Path != "out/report.md" || third.File.MimeType != "text/markdown" {
		t.Errorf("unexpected file payload: %+v", third.File)
	}

	last, err := ts.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if last.Type != EventComplete || !last.Terminal() {
		t.Errorf("expected terminal complete event, got %+v", last)
	}
	if last.Usage == nil || last.Usage.CompletionTokens != 200 {
		t.Errorf("unexpected usage: %+v", last.Usage)
	}
}

func TestTaskStreamReadTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	wsURL := newAgentSocketServer(t, func(conn *websocket.Conn) {
		<-release
	})

	ts := dialTaskStream(t, wsURL)
	ts.ReadTimeout = 50 * time.Millisecond

	_, err := ts.Next()
	if !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("expected ErrReadTimeout, got %v", err)
	}
}

func TestTaskStreamTransportError(t *testing.T) {
	wsURL := newAgentSocketServer(t, func(conn *websocket.Conn) {
		// Close immediately so the next read fails at the transport.
	})

	ts := dialTaskStream(t, wsURL)
	ts.ReadTimeout = 5 * time.Second

	_, err := ts.Next()
	if err == nil {
		t.Fatal("expected error from closed connection")
	}
	if errors.Is(err, ErrReadTimeout) {
		t.Fatalf("transport failure must not map to ErrReadTimeout: %v", err)
	}
}

func TestTaskStreamNoDeadlineWhenZero(t *testing.T) {
	wsURL := newAgentSocketServer(t, func(conn *websocket.Conn) {
		time.Sleep(100 * time.Millisecond)
		_ = conn.WriteJSON(AgentEvent{Type: EventComplete})
	})

	ts := dialTaskStream(t, wsURL)

	ev, err := ts.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ev.Type != EventComplete {
		t.Errorf("expected complete event, got %+v", ev)
	}
}
