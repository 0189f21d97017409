package providers

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/registry"
	"github.com/haasonsaas/switchboard/internal/stream"
	"github.com/haasonsaas/switchboard/internal/types"
)

// AnthropicBackend serves Claude models through the official SDK.
type AnthropicBackend struct {
	client  anthropic.Client
	spec    registry.Spec
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewAnthropicBackend builds a backend for one catalog entry.
func NewAnthropicBackend(spec registry.Spec, logger *observability.Logger, metrics *observability.Metrics) *AnthropicBackend {
	options := []option.RequestOption{option.WithAPIKey(spec.APIKey)}
	if strings.TrimSpace(spec.BaseURL) != "" {
		options = append(options, option.WithBaseURL(spec.BaseURL))
	}
	return &AnthropicBackend{
		client:  anthropic.NewClient(options...),
		spec:    spec,
		logger:  logger,
		metrics: metrics,
	}
}

// Name returns the provider identifier used for logging and metrics.
func (b *AnthropicBackend) Name() string { return "anthropic" }

// Stream issues one streaming message call. The connection is opened inside
// the pump so setup failures reach the caller through the channel.
func (b *AnthropicBackend) Stream(ctx context.Context, req Request) (<-chan stream.Event, error) {
	params := b.buildParams(req)
	out := make(chan stream.Event)
	go b.pump(ctx, params, out)
	return out, nil
}

func (b *AnthropicBackend) buildParams(req Request) anthropic.MessageNewParams {
	system, messages := toAnthropicMessages(req.Messages)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.spec.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.spec.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	// System prompts travel outside the message list on this API.
	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: system,
			},
		}
	}

	if b.spec.ThinkingBudget > 0 {
		budget := int64(b.spec.ThinkingBudget)
		if budget < 1024 {
			budget = 1024 // API minimum
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return params
}

func (b *AnthropicBackend) pump(ctx context.Context, params anthropic.MessageNewParams, out chan<- stream.Event) {
	defer close(out)

	upstream := b.client.Messages.NewStreaming(ctx, params)
	defer upstream.Close()

	emptyEvents := 0
	var usage stream.Usage

	for upstream.Next() {
		event := upstream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				usage.PromptTokens = int(messageStart.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start", "content_block_stop":
			processed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(ctx, out, stream.Content(delta.Text)) {
						return
					}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					if !send(ctx, out, stream.Reasoning(delta.Thinking)) {
						return
					}
					processed = true
				}
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(messageDelta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			recordTokens(b.metrics, "anthropic", b.spec.Model, &usage)
			send(ctx, out, stream.Done(&usage))
			return

		case "error":
			countError(b.metrics, "anthropic_stream")
			logWarn(ctx, b.logger, "anthropic stream error event", "model", b.spec.Model)
			if send(ctx, out, stream.Error(stream.CodeBackendUnavailable, backendUnavailableMessage)) {
				send(ctx, out, stream.Done(nil))
			}
			return
		}

		if processed {
			emptyEvents = 0
			continue
		}
		emptyEvents++
		if emptyEvents >= maxEmptyStreamEvents {
			countError(b.metrics, "anthropic_malformed_stream")
			logWarn(ctx, b.logger, "anthropic stream looks malformed", "model", b.spec.Model, "empty_events", emptyEvents)
			if send(ctx, out, stream.Error(stream.CodeBackendUnavailable, backendUnavailableMessage)) {
				send(ctx, out, stream.Done(nil))
			}
			return
		}
	}

	if err := upstream.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		countError(b.metrics, "anthropic_stream")
		logWarn(ctx, b.logger, "anthropic stream failed", "model", b.spec.Model, "error", err)
		if send(ctx, out, stream.Error(stream.CodeBackendUnavailable, backendUnavailableMessage)) {
			send(ctx, out, stream.Done(nil))
		}
		return
	}

	// Stream ended without a message_stop. Close out the contract anyway.
	recordTokens(b.metrics, "anthropic", b.spec.Model, &usage)
	send(ctx, out, stream.Done(&usage))
}

// toAnthropicMessages splits out system text and converts the rest. System
// messages concatenate in order; roles other than assistant map to user.
func toAnthropicMessages(messages []types.ChatMessage) (string, []anthropic.MessageParam) {
	var system []string
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			if text := msg.Text(); text != "" {
				system = append(system, text)
			}
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, part := range msg.Parts() {
			switch {
			case part.ImageURL != nil && part.ImageURL.URL != "":
				if img := imageBlockFromURL(part.ImageURL.URL); img != nil {
					content = append(content, anthropic.ContentBlockParamUnion{OfImage: img})
				}
			case part.Text != "":
				content = append(content, anthropic.NewTextBlock(part.Text))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return strings.Join(system, "\n\n"), result
}

// imageBlockFromURL builds an image block from either a data URL or a plain
// https URL. Unsupported media types return nil and the part is skipped.
func imageBlockFromURL(url string) *anthropic.ImageBlockParam {
	if mediaType, data, ok := parseDataURL(url); ok {
		mt, ok := imageMediaType(mediaType)
		if !ok {
			return nil
		}
		return &anthropic.ImageBlockParam{
			Source: anthropic.ImageBlockParamSourceUnion{
				OfBase64: &anthropic.Base64ImageSourceParam{
					Data:      data,
					MediaType: mt,
				},
			},
		}
	}
	return &anthropic.ImageBlockParam{
		Source: anthropic.ImageBlockParamSourceUnion{
			OfURL: &anthropic.URLImageSourceParam{URL: url},
		},
	}
}

func imageMediaType(mediaType string) (anthropic.Base64ImageSourceMediaType, bool) {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return anthropic.Base64ImageSourceMediaTypeImageJPEG, true
	case "image/png":
		return anthropic.Base64ImageSourceMediaTypeImagePNG, true
	case "image/gif":
		return anthropic.Base64ImageSourceMediaTypeImageGIF, true
	case "image/webp":
		return anthropic.Base64ImageSourceMediaTypeImageWebP, true
	default:
		return "", false
	}
}

func parseDataURL(raw string) (string, string, bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	meta := strings.TrimPrefix(parts[0], "data:")
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, parts[1], true
}
