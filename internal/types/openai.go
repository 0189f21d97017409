// Package types defines the OpenAI-compatible wire surface.
package types

import (
	"encoding/json"
	"strings"
)

// --- Request types ---

// ChatCompletionRequest represents an inbound chat completion request.
type ChatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []ChatMessage  `json:"messages,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`

	// RoutingHint is the vendor extension trusted callers use to pin the
	// execution path and model, bypassing classification.
	RoutingHint *RoutingHint `json:"routing_hint,omitempty"`
}

// RoutingHint pins a request to a (path, model) pair.
type RoutingHint struct {
	Path  string `json:"path"`
	Model string `json:"model"`
}

// ChatMessage represents a chat message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
}

// ContentPart represents a part of a multimodal content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL holds an image URL reference.
type ImageURL struct {
	URL string `json:"url"`
}

// StreamOptions holds stream-specific options.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Parts normalizes a message's content field into typed parts. String
// content becomes a single text part; arrays round-trip through JSON.
func (m ChatMessage) Parts() []ContentPart {
	switch c := m.Content.(type) {
	case nil:
		return nil
	case string:
		return []ContentPart{{Type: "text", Text: c}}
	case []ContentPart:
		return c
	default:
		raw, err := json.Marshal(c)
		if err != nil {
			return nil
		}
		var parts []ContentPart
		if err := json.Unmarshal(raw, &parts); err != nil {
			return nil
		}
		return parts
	}
}

// Text joins the text parts of a message's content.
func (m ChatMessage) Text() string {
	if s, ok := m.Content.(string); ok {
		return s
	}
	var parts []string
	for _, part := range m.Parts() {
		if part.Type == "" || part.Type == "text" || part.Type == "input_text" {
			if t := strings.TrimSpace(part.Text); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// HasImage reports whether some message content includes an image part.
func HasImage(messages []ChatMessage) bool {
	for _, m := range messages {
		for _, part := range m.Parts() {
			if part.Type == "image_url" && part.ImageURL != nil && part.ImageURL.URL != "" {
				return true
			}
		}
	}
	return false
}

// --- Response types ---

// ChatCompletionResponse represents a non-streaming chat completion response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

// ChatChoice is a single choice in a non-streaming response.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ChatResponseMsg `json:"message"`
	FinishReason *string         `json:"finish_reason"`
}

// ChatResponseMsg is the message in a non-streaming response choice.
type ChatResponseMsg struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Reasoning string     `json:"reasoning,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// ChatCompletionChunk represents a streaming chat completion chunk.
type ChatCompletionChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []ChatChunkChoice `json:"choices"`
	Usage   *Usage            `json:"usage,omitempty"`
	Error   *ErrorDetail      `json:"error,omitempty"`
}

// ChatChunkChoice is a single choice in a streaming chunk.
type ChatChunkChoice struct {
	Index        int       `json:"index"`
	Delta        ChatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

// ChatDelta holds the delta content in a streaming chunk choice. At most one
// of Content, Reasoning, or Artifact is set per chunk.
type ChatDelta struct {
	Role      string    `json:"role,omitempty"`
	Content   string    `json:"content,omitempty"`
	Reasoning string    `json:"reasoning,omitempty"`
	Artifact  *Artifact `json:"artifact,omitempty"`
}

// Artifact describes a file produced by an agent run, addressed on the
// sandbox's public base URL.
type Artifact struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Usage holds token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelList is the response for GET /v1/models.
type ModelList struct {
	Object string        `json:"object"`
	Data   []ModelObject `json:"data"`
}

// ModelObject represents a single model entry.
type ModelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ErrorResponse wraps an API error.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail holds the error message and machine-readable code.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}
