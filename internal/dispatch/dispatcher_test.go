package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/registry"
	"github.com/haasonsaas/switchboard/internal/routing"
	"github.com/haasonsaas/switchboard/internal/sandbox"
	"github.com/haasonsaas/switchboard/internal/stream"
	"github.com/haasonsaas/switchboard/internal/types"
)

// stubDecider returns a fixed decision regardless of the request.
type stubDecider struct {
	decision routing.Decision
}

func (s stubDecider) Classify(ctx context.Context, messages []types.ChatMessage, hint *types.RoutingHint) routing.Decision {
	return s.decision
}

// openaiSSEServer streams chat completion chunks and finishes with [DONE].
func openaiSSEServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("expected http.Flusher")
		}
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newDispatcherForTest(t *testing.T, decision routing.Decision, models []config.ModelConfig, platform *scriptedPlatform) *Dispatcher {
	t.Helper()
	reg, err := registry.New(models)
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}

	fast := NewFastExecutor(testLogger(), testMetrics)
	agent, _ := newAgentExecutorForTest(platform, config.AgentConfig{ReadTimeout: 5 * time.Second, MaxReadRetries: 2})
	mux := stream.NewMux(stream.MuxConfig{
		KeepAliveInterval: time.Minute,
		GlobalTimeout:     30 * time.Second,
		BufferSize:        16,
	}, testLogger(), testMetrics)

	return NewDispatcher(stubDecider{decision: decision}, reg, fast, agent, mux, testLogger())
}

func TestDispatcherFastPath(t *testing.T) {
	srv := openaiSSEServer(t, []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"4"},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":1,"total_tokens":10}}`,
	})

	want := routing.Decision{Path: routing.PathFast, Model: routing.ModelChatBasic, Source: routing.SourceHint}
	d := newDispatcherForTest(t, want, []config.ModelConfig{
		{ID: routing.ModelChatBasic, BaseURL: srv.URL + "/v1", APIKey: "test-key"},
	}, &scriptedPlatform{})

	req := &types.ChatCompletionRequest{
		Model:    "switchboard",
		Messages: []types.ChatMessage{{Role: "user", Content: "what is 2+2"}},
	}
	events, decision, err := d.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if decision != want {
		t.Errorf("decision = %+v, want %+v", decision, want)
	}

	got := collectEvents(t, events)
	var text strings.Builder
	var sawDone bool
	for _, ev := range got {
		switch ev.Kind {
		case stream.KindContentDelta:
			text.WriteString(ev.Text)
		case stream.KindDone:
			sawDone = true
		case stream.KindError:
			t.Fatalf("unexpected error event: %+v", ev.Err)
		}
	}
	if text.String() != "4" {
		t.Errorf("content = %q, want %q", text.String(), "4")
	}
	if !sawDone {
		t.Error("stream never finished")
	}
}

func TestDispatcherAgentPath(t *testing.T) {
	wsURL := newAgentServer(t, func(attempt int, conn *websocket.Conn, task sandbox.Task) {
		_ = conn.WriteJSON(sandbox.AgentEvent{Type: sandbox.EventThinking, Text: "planning the steps"})
		_ = conn.WriteJSON(sandbox.AgentEvent{Type: sandbox.EventOutput, Text: "All steps finished."})
		_ = conn.WriteJSON(sandbox.AgentEvent{Type: sandbox.EventComplete})
	})
	platform := &scriptedPlatform{wsURL: wsURL}

	want := routing.Decision{Path: routing.PathAgent, Model: routing.ModelAgentCore, Source: routing.SourceClassifier}
	d := newDispatcherForTest(t, want, nil, platform)

	req := &types.ChatCompletionRequest{
		Model:    "switchboard",
		Messages: []types.ChatMessage{{Role: "user", Content: "download the repo and run the tests"}},
	}
	events, decision, err := d.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if decision != want {
		t.Errorf("decision = %+v, want %+v", decision, want)
	}

	got := collectEvents(t, events)
	var firstContent, firstReasoning = -1, -1
	for i, ev := range got {
		if ev.Kind == stream.KindReasoningDelta && firstReasoning < 0 {
			firstReasoning = i
		}
		if ev.Kind == stream.KindContentDelta && firstContent < 0 {
			firstContent = i
		}
	}
	if firstReasoning < 0 || firstContent < 0 || firstReasoning > firstContent {
		t.Errorf("expected reasoning before content, got %v", eventKinds(got))
	}
	if got[len(got)-1].Kind != stream.KindDone {
		t.Errorf("expected trailing done, got %v", eventKinds(got))
	}

	if flavors := platform.createdFlavors(); len(flavors) != 1 || flavors[0] != registry.FlavorAgentReady {
		t.Errorf("created flavors = %v, want one %q", flavors, registry.FlavorAgentReady)
	}
}

func TestDispatcherUnknownModel(t *testing.T) {
	want := routing.Decision{Path: routing.PathFast, Model: "made-up", Source: routing.SourceHint}
	d := newDispatcherForTest(t, want, nil, &scriptedPlatform{})

	req := &types.ChatCompletionRequest{
		Model:    "switchboard",
		Messages: []types.ChatMessage{{Role: "user", Content: "hi"}},
	}
	events, decision, err := d.Handle(context.Background(), req)
	if err == nil {
		t.Fatal("expected an error for an unknown model")
	}
	if !errors.Is(err, registry.ErrUnknownModel) {
		t.Errorf("error = %v, want ErrUnknownModel", err)
	}
	if events != nil {
		t.Error("expected no event stream on resolve failure")
	}
	if decision != want {
		t.Errorf("decision = %+v, want the classifier's decision even on failure", decision)
	}
}

func TestDispatcherImageRunsOnBrowserFlavor(t *testing.T) {
	wsURL := newAgentServer(t, func(attempt int, conn *websocket.Conn, task sandbox.Task) {
		_ = conn.WriteJSON(sandbox.AgentEvent{Type: sandbox.EventOutput, Text: "The chart shows a spike in March."})
		_ = conn.WriteJSON(sandbox.AgentEvent{Type: sandbox.EventComplete})
	})
	platform := &scriptedPlatform{wsURL: wsURL}

	want := routing.Decision{Path: routing.PathAgent, Model: routing.ModelAgentCore, Source: routing.SourceClassifier}
	d := newDispatcherForTest(t, want, nil, platform)

	req := &types.ChatCompletionRequest{
		Model: "switchboard",
		Messages: []types.ChatMessage{{
			Role: "user",
			Content: []types.ContentPart{
				{Type: "text", Text: "extract the numbers from this chart"},
				{Type: "image_url", ImageURL: &types.ImageURL{URL: "https://example.com/chart.png"}},
			},
		}},
	}
	events, _, err := d.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	collectEvents(t, events)

	if flavors := platform.createdFlavors(); len(flavors) != 1 || flavors[0] != registry.FlavorBrowser {
		t.Errorf("created flavors = %v, want one %q", flavors, registry.FlavorBrowser)
	}
}
