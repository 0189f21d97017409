package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/switchboard/internal/registry"
	"github.com/haasonsaas/switchboard/internal/stream"
	"github.com/haasonsaas/switchboard/internal/types"
)

// openaiSSEServer streams the given data lines in chat completion chunk
// format and finishes with [DONE].
func openaiSSEServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST request, got %s", r.Method)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected /v1/chat/completions path, got %s", r.URL.Path)
		}

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
}

func newOpenAITestBackend(baseURL string) *OpenAIBackend {
	return NewOpenAIBackend(registry.Spec{
		ID:        "chat-basic",
		Provider:  "openai",
		Model:     "gpt-4o-mini",
		BaseURL:   baseURL,
		APIKey:    "test-key",
		MaxTokens: 256,
	}, testLogger(), nil)
}

func TestOpenAIStreamDeltas(t *testing.T) {
	server := openaiSSEServer(t, []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`,
	})
	defer server.Close()

	backend := newOpenAITestBackend(server.URL + "/v1")
	ch, err := backend.Stream(context.Background(), Request{
		Messages: []types.ChatMessage{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	events := collectEvents(t, ch)
	want := []stream.Kind{stream.KindContentDelta, stream.KindContentDelta, stream.KindDone}
	got := eventKinds(events)
	if len(got) != len(want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", got, want)
		}
	}

	if text := events[0].Text + events[1].Text; text != "Hello" {
		t.Errorf("streamed text = %q, want %q", text, "Hello")
	}

	done := events[len(events)-1]
	if done.Usage == nil {
		t.Fatal("done event missing usage")
	}
	if done.Usage.PromptTokens != 5 || done.Usage.CompletionTokens != 7 {
		t.Errorf("usage = %+v, want prompt 5 completion 7", done.Usage)
	}
}

func TestOpenAIStreamReasoningDeltas(t *testing.T) {
	server := openaiSSEServer(t, []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"reasoning_content":"Let me think."},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"Answer."},"finish_reason":"stop"}]}`,
	})
	defer server.Close()

	backend := newOpenAITestBackend(server.URL + "/v1")
	ch, err := backend.Stream(context.Background(), Request{
		Messages: []types.ChatMessage{{Role: "user", Content: "Think first"}},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	events := collectEvents(t, ch)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %v", len(events), eventKinds(events))
	}
	if events[0].Kind != stream.KindReasoningDelta || events[0].Text != "Let me think." {
		t.Errorf("events[0] = %+v, want reasoning delta", events[0])
	}
	if events[1].Kind != stream.KindContentDelta || events[1].Text != "Answer." {
		t.Errorf("events[1] = %+v, want content delta", events[1])
	}
	if events[2].Kind != stream.KindDone {
		t.Errorf("events[2].Kind = %q, want done", events[2].Kind)
	}
}

func TestOpenAIStreamServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"upstream exploded","type":"server_error"}}`)
	}))
	defer server.Close()

	backend := newOpenAITestBackend(server.URL + "/v1")
	ch, err := backend.Stream(context.Background(), Request{
		Messages: []types.ChatMessage{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	events := collectEvents(t, ch)
	if len(events) != 2 {
		t.Fatalf("got %d events, want error+done: %v", len(events), eventKinds(events))
	}
	if events[0].Kind != stream.KindError || events[0].Err == nil {
		t.Fatalf("events[0] = %+v, want error", events[0])
	}
	if events[0].Err.Code != stream.CodeBackendUnavailable {
		t.Errorf("error code = %q, want %q", events[0].Err.Code, stream.CodeBackendUnavailable)
	}
	if events[1].Kind != stream.KindDone {
		t.Errorf("events[1].Kind = %q, want done", events[1].Kind)
	}
}

func TestOpenAIStreamCallerCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", `{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"partial"},"finish_reason":null}]}`)
		flusher.Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newOpenAITestBackend(server.URL + "/v1")
	ch, err := backend.Stream(ctx, Request{
		Messages: []types.ChatMessage{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Kind != stream.KindContentDelta {
			t.Fatalf("first event = %+v, want content delta", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first event")
	}

	cancel()

	// No terminal events after a caller cancel; the channel just closes.
	events := collectEvents(t, ch)
	for _, ev := range events {
		if ev.Kind == stream.KindError || ev.Kind == stream.KindDone {
			t.Errorf("unexpected terminal event after cancel: %+v", ev)
		}
	}
}

func TestToOpenAIMessages(t *testing.T) {
	tests := []struct {
		name     string
		messages []types.ChatMessage
		check    func(t *testing.T, got []openai.ChatCompletionMessage)
	}{
		{
			name: "plain text conversation",
			messages: []types.ChatMessage{
				{Role: "system", Content: "Be brief."},
				{Role: "user", Content: "Hello"},
				{Role: "assistant", Content: "Hi!"},
			},
			check: func(t *testing.T, got []openai.ChatCompletionMessage) {
				if len(got) != 3 {
					t.Fatalf("got %d messages, want 3", len(got))
				}
				if got[0].Role != "system" || got[0].Content != "Be brief." {
					t.Errorf("got[0] = %+v", got[0])
				}
				if got[2].Role != "assistant" || got[2].Content != "Hi!" {
					t.Errorf("got[2] = %+v", got[2])
				}
			},
		},
		{
			name: "image parts use multi content",
			messages: []types.ChatMessage{
				{
					Role: "user",
					Content: []types.ContentPart{
						{Type: "text", Text: "What is in this image?"},
						{Type: "image_url", ImageURL: &types.ImageURL{URL: "https://example.com/cat.png"}},
					},
				},
			},
			check: func(t *testing.T, got []openai.ChatCompletionMessage) {
				if len(got) != 1 {
					t.Fatalf("got %d messages, want 1", len(got))
				}
				msg := got[0]
				if msg.Content != "" {
					t.Errorf("Content = %q, want empty with MultiContent", msg.Content)
				}
				if len(msg.MultiContent) != 2 {
					t.Fatalf("MultiContent has %d parts, want 2", len(msg.MultiContent))
				}
				if msg.MultiContent[0].Type != openai.ChatMessagePartTypeText {
					t.Errorf("part 0 type = %q, want text", msg.MultiContent[0].Type)
				}
				if msg.MultiContent[1].Type != openai.ChatMessagePartTypeImageURL {
					t.Errorf("part 1 type = %q, want image_url", msg.MultiContent[1].Type)
				}
				if msg.MultiContent[1].ImageURL == nil || msg.MultiContent[1].ImageURL.URL != "https://example.com/cat.png" {
					t.Errorf("part 1 image = %+v", msg.MultiContent[1].ImageURL)
				}
			},
		},
		{
			name: "text only parts flatten to content",
			messages: []types.ChatMessage{
				{
					Role: "user",
					Content: []types.ContentPart{
						{Type: "text", Text: "first"},
						{Type: "text", Text: "second"},
					},
				},
			},
			check: func(t *testing.T, got []openai.ChatCompletionMessage) {
				if len(got) != 1 {
					t.Fatalf("got %d messages, want 1", len(got))
				}
				if len(got[0].MultiContent) != 0 {
					t.Errorf("MultiContent = %+v, want none", got[0].MultiContent)
				}
				if got[0].Content != "first\nsecond" {
					t.Errorf("Content = %q", got[0].Content)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, toOpenAIMessages(tt.messages))
		})
	}
}

func TestOpenAIRequestShape(t *testing.T) {
	var gotReq openai.ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	backend := newOpenAITestBackend(server.URL + "/v1")
	ch, err := backend.Stream(context.Background(), Request{
		Messages:  []types.ChatMessage{{Role: "user", Content: "Hello"}},
		MaxTokens: 64,
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	collectEvents(t, ch)

	if gotReq.Model != "gpt-4o-mini" {
		t.Errorf("request model = %q, want gpt-4o-mini", gotReq.Model)
	}
	if !gotReq.Stream {
		t.Error("request did not set stream")
	}
	if gotReq.MaxTokens != 64 {
		t.Errorf("request max_tokens = %d, want the per-request override 64", gotReq.MaxTokens)
	}
	if gotReq.StreamOptions == nil || !gotReq.StreamOptions.IncludeUsage {
		t.Error("request did not ask for usage in the stream")
	}
}
