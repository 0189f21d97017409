package providers

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/registry"
	"github.com/haasonsaas/switchboard/internal/stream"
	"github.com/haasonsaas/switchboard/internal/types"
)

// OpenAIBackend serves OpenAI and OpenAI-compatible chat endpoints.
type OpenAIBackend struct {
	client  *openai.Client
	spec    registry.Spec
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewOpenAIBackend builds a backend for one catalog entry. A base URL on the
// spec points the client at a compatible proxy or aggregator.
func NewOpenAIBackend(spec registry.Spec, logger *observability.Logger, metrics *observability.Metrics) *OpenAIBackend {
	cfg := openai.DefaultConfig(spec.APIKey)
	if spec.BaseURL != "" {
		cfg.BaseURL = spec.BaseURL
	}
	return &OpenAIBackend{
		client:  openai.NewClientWithConfig(cfg),
		spec:    spec,
		logger:  logger,
		metrics: metrics,
	}
}

// Name returns the provider identifier used for logging and metrics.
func (b *OpenAIBackend) Name() string { return "openai" }

// Stream issues one streaming chat completion. The connection is opened
// inside the pump so setup failures reach the caller through the channel.
func (b *OpenAIBackend) Stream(ctx context.Context, req Request) (<-chan stream.Event, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:         b.spec.Model,
		Messages:      toOpenAIMessages(req.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if max := b.maxTokens(req); max > 0 {
		chatReq.MaxTokens = max
	}

	out := make(chan stream.Event)
	go b.pump(ctx, chatReq, out)
	return out, nil
}

func (b *OpenAIBackend) maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return b.spec.MaxTokens
}

func (b *OpenAIBackend) pump(ctx context.Context, chatReq openai.ChatCompletionRequest, out chan<- stream.Event) {
	defer close(out)

	upstream, err := b.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		countError(b.metrics, "openai_create_stream")
		logWarn(ctx, b.logger, "openai stream setup failed", "model", b.spec.Model, "error", err)
		if send(ctx, out, stream.Error(stream.CodeBackendUnavailable, backendUnavailableMessage)) {
			send(ctx, out, stream.Done(nil))
		}
		return
	}
	defer upstream.Close()

	var usage *stream.Usage
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		response, err := upstream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				recordTokens(b.metrics, "openai", b.spec.Model, usage)
				send(ctx, out, stream.Done(usage))
				return
			}
			if ctx.Err() != nil {
				return
			}
			countError(b.metrics, "openai_stream")
			logWarn(ctx, b.logger, "openai stream failed", "model", b.spec.Model, "error", err)
			if send(ctx, out, stream.Error(stream.CodeBackendUnavailable, backendUnavailableMessage)) {
				send(ctx, out, stream.Done(nil))
			}
			return
		}

		// The usage chunk arrives last with no choices.
		if response.Usage != nil {
			usage = &stream.Usage{
				PromptTokens:     response.Usage.PromptTokens,
				CompletionTokens: response.Usage.CompletionTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta
		if delta.ReasoningContent != "" {
			if !send(ctx, out, stream.Reasoning(delta.ReasoningContent)) {
				return
			}
		}
		if delta.Content != "" {
			if !send(ctx, out, stream.Content(delta.Content)) {
				return
			}
		}
	}
}

// toOpenAIMessages converts wire messages to the client's shape. Messages
// carrying image parts use MultiContent; plain text flattens to Content.
func toOpenAIMessages(messages []types.ChatMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{Role: msg.Role}

		parts := msg.Parts()
		if hasImagePart(parts) {
			content := make([]openai.ChatMessagePart, 0, len(parts))
			for _, part := range parts {
				switch {
				case part.ImageURL != nil && part.ImageURL.URL != "":
					content = append(content, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: part.ImageURL.URL},
					})
				case part.Text != "":
					content = append(content, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: part.Text,
					})
				}
			}
			oaiMsg.MultiContent = content
		} else {
			oaiMsg.Content = msg.Text()
		}

		result = append(result, oaiMsg)
	}
	return result
}

func hasImagePart(parts []types.ContentPart) bool {
	for _, part := range parts {
		if part.ImageURL != nil && part.ImageURL.URL != "" {
			return true
		}
	}
	return false
}
