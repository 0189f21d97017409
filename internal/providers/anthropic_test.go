package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/switchboard/internal/registry"
	"github.com/haasonsaas/switchboard/internal/stream"
	"github.com/haasonsaas/switchboard/internal/types"
)

// anthropicSSEServer streams the given event/data lines verbatim.
func anthropicSSEServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST request, got %s", r.Method)
		}
		if r.URL.Path != "/v1/messages" {
			t.Errorf("expected /v1/messages path, got %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") == "" {
			t.Error("missing x-api-key header")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("expected http.Flusher")
		}

		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
}

func newAnthropicTestBackend(baseURL string, thinkingBudget int) *AnthropicBackend {
	return NewAnthropicBackend(registry.Spec{
		ID:             "chat-think",
		Provider:       "anthropic",
		Model:          "claude-sonnet-4-20250514",
		BaseURL:        baseURL,
		APIKey:         "test-key",
		MaxTokens:      512,
		ThinkingBudget: thinkingBudget,
	}, testLogger(), nil)
}

func TestAnthropicStreamDeltas(t *testing.T) {
	server := anthropicSSEServer(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_123","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","usage":{"input_tokens":10,"output_tokens":1}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":12}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	})
	defer server.Close()

	backend := newAnthropicTestBackend(server.URL, 0)
	ch, err := backend.Stream(context.Background(), Request{
		Messages: []types.ChatMessage{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	events := collectEvents(t, ch)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %v", len(events), eventKinds(events))
	}
	if events[0].Kind != stream.KindContentDelta || events[0].Text != "Hello" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].Kind != stream.KindContentDelta || events[1].Text != " world" {
		t.Errorf("events[1] = %+v", events[1])
	}

	done := events[2]
	if done.Kind != stream.KindDone {
		t.Fatalf("events[2].Kind = %q, want done", done.Kind)
	}
	if done.Usage == nil || done.Usage.PromptTokens != 10 || done.Usage.CompletionTokens != 12 {
		t.Errorf("usage = %+v, want prompt 10 completion 12", done.Usage)
	}
}

func TestAnthropicStreamThinkingDeltas(t *testing.T) {
	server := anthropicSSEServer(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_123","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","usage":{"input_tokens":4,"output_tokens":1}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"Working through it."}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Done."}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	})
	defer server.Close()

	backend := newAnthropicTestBackend(server.URL, 4096)
	ch, err := backend.Stream(context.Background(), Request{
		Messages: []types.ChatMessage{{Role: "user", Content: "Think hard"}},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	events := collectEvents(t, ch)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %v", len(events), eventKinds(events))
	}
	if events[0].Kind != stream.KindReasoningDelta || events[0].Text != "Working through it." {
		t.Errorf("events[0] = %+v, want reasoning delta", events[0])
	}
	if events[1].Kind != stream.KindContentDelta || events[1].Text != "Done." {
		t.Errorf("events[1] = %+v, want content delta", events[1])
	}
	if events[2].Kind != stream.KindDone {
		t.Errorf("events[2].Kind = %q, want done", events[2].Kind)
	}
}

func TestAnthropicStreamAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"type":"error","error":{"type":"api_error","message":"upstream exploded"}}`)
	}))
	defer server.Close()

	backend := newAnthropicTestBackend(server.URL, 0)
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

func TestToAnthropicMessages(t *testing.T) {
	tests := []struct {
		name       string
		messages   []types.ChatMessage
		wantSystem string
		check      func(t *testing.T, got []anthropic.MessageParam)
	}{
		{
			name: "system messages extracted in order",
			messages: []types.ChatMessage{
				{Role: "system", Content: "Be brief."},
				{Role: "user", Content: "Hello"},
				{Role: "system", Content: "Answer in French."},
			},
			wantSystem: "Be brief.\n\nAnswer in French.",
			check: func(t *testing.T, got []anthropic.MessageParam) {
				if len(got) != 1 {
					t.Fatalf("got %d messages, want 1", len(got))
				}
				if got[0].Role != anthropic.MessageParamRoleUser {
					t.Errorf("role = %q, want user", got[0].Role)
				}
				if len(got[0].Content) != 1 || got[0].Content[0].OfText == nil {
					t.Fatalf("content = %+v, want one text block", got[0].Content)
				}
				if got[0].Content[0].OfText.Text != "Hello" {
					t.Errorf("text = %q", got[0].Content[0].OfText.Text)
				}
			},
		},
		{
			name: "assistant role preserved",
			messages: []types.ChatMessage{
				{Role: "user", Content: "Hi"},
				{Role: "assistant", Content: "Hello!"},
			},
			check: func(t *testing.T, got []anthropic.MessageParam) {
				if len(got) != 2 {
					t.Fatalf("got %d messages, want 2", len(got))
				}
				if got[1].Role != anthropic.MessageParamRoleAssistant {
					t.Errorf("role = %q, want assistant", got[1].Role)
				}
			},
		},
		{
			name: "image url becomes image block",
			messages: []types.ChatMessage{
				{
					Role: "user",
					Content: []types.ContentPart{
						{Type: "text", Text: "Describe this"},
						{Type: "image_url", ImageURL: &types.ImageURL{URL: "https://example.com/cat.png"}},
					},
				},
			},
			check: func(t *testing.T, got []anthropic.MessageParam) {
				if len(got) != 1 {
					t.Fatalf("got %d messages, want 1", len(got))
				}
				content := got[0].Content
				if len(content) != 2 {
					t.Fatalf("content has %d blocks, want 2", len(content))
				}
				if content[0].OfText == nil {
					t.Error("block 0 is not text")
				}
				img := content[1].OfImage
				if img == nil {
					t.Fatal("block 1 is not an image")
				}
				if img.Source.OfURL == nil || img.Source.OfURL.URL != "https://example.com/cat.png" {
					t.Errorf("image source = %+v, want url source", img.Source)
				}
			},
		},
		{
			name: "data url becomes base64 image block",
			messages: []types.ChatMessage{
				{
					Role: "user",
					Content: []types.ContentPart{
						{Type: "image_url", ImageURL: &types.ImageURL{URL: "data:image/png;base64,aGVsbG8="}},
					},
				},
			},
			check: func(t *testing.T, got []anthropic.MessageParam) {
				if len(got) != 1 {
					t.Fatalf("got %d messages, want 1", len(got))
				}
				img := got[0].Content[0].OfImage
				if img == nil {
					t.Fatal("block 0 is not an image")
				}
				src := img.Source.OfBase64
				if src == nil {
					t.Fatal("image source is not base64")
				}
				if src.Data != "aGVsbG8=" {
					t.Errorf("data = %q", src.Data)
				}
				if src.MediaType != anthropic.Base64ImageSourceMediaTypeImagePNG {
					t.Errorf("media type = %q, want image/png", src.MediaType)
				}
			},
		},
		{
			name: "unsupported media type dropped",
			messages: []types.ChatMessage{
				{
					Role: "user",
					Content: []types.ContentPart{
						{Type: "image_url", ImageURL: &types.ImageURL{URL: "data:text/plain;base64,aGVsbG8="}},
					},
				},
			},
			check: func(t *testing.T, got []anthropic.MessageParam) {
				if len(got) != 0 {
					t.Fatalf("got %d messages, want 0 after dropping the only block", len(got))
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			system, got := toAnthropicMessages(tt.messages)
			if system != tt.wantSystem {
				t.Errorf("system = %q, want %q", system, tt.wantSystem)
			}
			tt.check(t, got)
		})
	}
}

func TestAnthropicBuildParams(t *testing.T) {
	backend := newAnthropicTestBackend("", 4096)

	params := backend.buildParams(Request{
		Messages: []types.ChatMessage{
			{Role: "system", Content: "Be brief."},
			{Role: "user", Content: "Hello"},
		},
	})

	if params.Model != anthropic.Model("claude-sonnet-4-20250514") {
		t.Errorf("model = %q", params.Model)
	}
	if params.MaxTokens != 512 {
		t.Errorf("max tokens = %d, want spec default 512", params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "Be brief." {
		t.Errorf("system = %+v", params.System)
	}
	if params.Thinking.OfEnabled == nil {
		t.Fatal("thinking not enabled")
	}
	if params.Thinking.OfEnabled.BudgetTokens != 4096 {
		t.Errorf("thinking budget = %d, want 4096", params.Thinking.OfEnabled.BudgetTokens)
	}

	override := backend.buildParams(Request{
		Messages:  []types.ChatMessage{{Role: "user", Content: "Hello"}},
		MaxTokens: 64,
	})
	if override.MaxTokens != 64 {
		t.Errorf("max tokens = %d, want the per-request override 64", override.MaxTokens)
	}
	if len(override.System) != 0 {
		t.Errorf("system = %+v, want none", override.System)
	}
}

func TestAnthropicBuildParamsThinkingFloor(t *testing.T) {
	backend := newAnthropicTestBackend("", 100)
	params := backend.buildParams(Request{
		Messages: []types.ChatMessage{{Role: "user", Content: "Hello"}},
	})
	if params.Thinking.OfEnabled == nil {
		t.Fatal("thinking not enabled")
	}
	if params.Thinking.OfEnabled.BudgetTokens != 1024 {
		t.Errorf("thinking budget = %d, want floor 1024", params.Thinking.OfEnabled.BudgetTokens)
	}

	plain := newAnthropicTestBackend("", 0)
	params = plain.buildParams(Request{
		Messages: []types.ChatMessage{{Role: "user", Content: "Hello"}},
	})
	if params.Thinking.OfEnabled != nil {
		t.Error("thinking enabled without a budget")
	}
}

func TestParseDataURL(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		wantMediaType string
		wantData      string
		wantOK        bool
	}{
		{"valid png", "data:image/png;base64,aGVsbG8=", "image/png", "aGVsbG8=", true},
		{"valid jpeg", "data:image/jpeg;base64,Zm9v", "image/jpeg", "Zm9v", true},
		{"not a data url", "https://example.com/cat.png", "", "", false},
		{"missing base64 marker", "data:image/png,aGVsbG8=", "", "", false},
		{"missing comma", "data:image/png;base64", "", "", false},
		{"empty media type", "data:;base64,aGVsbG8=", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mediaType, data, ok := parseDataURL(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if mediaType != tt.wantMediaType || data != tt.wantData {
				t.Errorf("parseDataURL() = (%q, %q), want (%q, %q)", mediaType, data, tt.wantMediaType, tt.wantData)
			}
		})
	}
}
