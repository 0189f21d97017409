package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/types"
)

// maxTranscriptBytes caps how much conversation the decision backend sees.
// The newest turns carry the routing signal, so truncation drops the oldest.
const maxTranscriptBytes = 4096

const classifierSystem = `You are a request router. Read the conversation and answer with a single JSON object, no prose and no code fences: {"path": "...", "model": "..."}

Choose exactly one pair:
- {"path": "fast", "model": "chat-basic"}: ordinary conversation, lookups, short factual answers.
- {"path": "fast", "model": "chat-think"}: questions that benefit from brief step-by-step reasoning.
- {"path": "fast", "model": "chat-think-deep"}: hard reasoning such as math, proofs, or tricky analysis that needs no tools, no files, and no code execution.
- {"path": "agent", "model": "agent-lite"}: small well-scoped tasks that need tools, code execution, or file output.
- {"path": "agent", "model": "agent-core"}: open-ended or multi-step work that needs tools, code execution, or file output.

Pick an agent pair only when the request cannot be served without running code or producing files.`

// Classifier produces routing decisions. A well-formed caller hint
// short-circuits classification entirely; otherwise one bounded call to a
// small model picks the pair. Every failure mode degrades to
// DefaultDecision rather than surfacing an error.
type Classifier struct {
	client  *openai.Client
	cfg     config.ClassifierConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewClassifier builds a classifier backed by an OpenAI-compatible endpoint.
func NewClassifier(cfg config.ClassifierConfig, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Classifier {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Classifier{
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}
}

// Classify routes one request.
//
// A hint naming a routable pair is returned verbatim; when the request
// carries an image the hinted model must also accept images, otherwise the
// hint is ignored. Without a usable hint the decision backend is consulted
// once, under the configured timeout. Image requests keep their path but
// always land on the multimodal model.
func (c *Classifier) Classify(ctx context.Context, messages []types.ChatMessage, hint *types.RoutingHint) Decision {
	hasImage := types.HasImage(messages)

	if hint != nil {
		path := Path(strings.ToLower(strings.TrimSpace(hint.Path)))
		model := strings.ToLower(strings.TrimSpace(hint.Model))
		switch {
		case !Allowed(path, model):
			c.warn(ctx, "ignoring hint for unroutable pair",
				"hint_path", string(path), "hint_model", model)
		case hasImage && !Multimodal(model):
			c.warn(ctx, "ignoring hint that cannot serve image content",
				"hint_path", string(path), "hint_model", model)
		default:
			return c.record(Decision{Path: path, Model: model, Source: SourceHint})
		}
	}

	decision := c.callBackend(ctx, messages)
	if hasImage && !Multimodal(decision.Model) {
		decision = Decision{Path: decision.Path, Model: ModelChatVision, Source: SourceVision}
	}
	return c.record(decision)
}

func (c *Classifier) callBackend(ctx context.Context, messages []types.ChatMessage) Decision {
	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.tracer != nil {
		var span trace.Span
		callCtx, span = c.tracer.TraceClassify(callCtx)
		defer span.End()
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifierSystem},
			{Role: openai.ChatMessageRoleUser, Content: buildTranscript(messages)},
		},
		MaxTokens: c.cfg.MaxTokens,
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		c.observe(outcome, elapsed)
		c.countError(outcome)
		c.warn(ctx, "classification failed, routing to default",
			"outcome", outcome, "error", err)
		return DefaultDecision()
	}
	if len(resp.Choices) == 0 {
		c.observe("malformed", elapsed)
		c.countError("malformed")
		c.warn(ctx, "classifier returned no choices, routing to default")
		return DefaultDecision()
	}

	decision, err := parseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		c.observe("malformed", elapsed)
		c.countError("malformed")
		c.warn(ctx, "classifier verdict rejected, routing to default", "error", err)
		return DefaultDecision()
	}

	c.observe("ok", elapsed)
	return decision
}

// parseVerdict decodes the backend's JSON verdict and checks it against the
// pairs the classifier may answer with.
func parseVerdict(content string) (Decision, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var verdict struct {
		Path  string `json:"path"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		return Decision{}, fmt.Errorf("verdict is not a JSON object: %w", err)
	}

	path := Path(strings.ToLower(strings.TrimSpace(verdict.Path)))
	model := strings.ToLower(strings.TrimSpace(verdict.Model))

	models, ok := verdictPairs[path]
	if !ok {
		return Decision{}, fmt.Errorf("verdict names unknown path %q", verdict.Path)
	}
	if _, ok := models[model]; !ok {
		return Decision{}, fmt.Errorf("verdict pair (%s, %s) is not answerable", path, model)
	}

	return Decision{Path: path, Model: model, Source: SourceClassifier}, nil
}

// buildTranscript renders the conversation for the decision backend. Image
// parts become markers so the backend still sees that an image is present.
// When the transcript would exceed the cap, the oldest turns are dropped.
func buildTranscript(messages []types.ChatMessage) string {
	lines := make([]string, 0, len(messages))
	total := 0
	truncated := false

	for i := len(messages) - 1; i >= 0; i-- {
		line := renderMessage(messages[i])
		if line == "" {
			continue
		}
		if total+len(line) > maxTranscriptBytes && len(lines) > 0 {
			truncated = true
			break
		}
		lines = append(lines, line)
		total += len(line)
	}

	var b strings.Builder
	if truncated {
		b.WriteString("... (earlier messages omitted)\n")
	}
	for i := len(lines) - 1; i >= 0; i-- {
		b.WriteString(lines[i])
		b.WriteByte('\n')
	}
	return b.String()
}

func renderMessage(m types.ChatMessage) string {
	var segs []string
	for _, part := range m.Parts() {
		switch part.Type {
		case "image_url":
			segs = append(segs, "[image attached]")
		case "", "text", "input_text":
			if t := strings.TrimSpace(part.Text); t != "" {
				segs = append(segs, t)
			}
		}
	}
	if len(segs) == 0 {
		return ""
	}
	return fmt.Sprintf("%s: %s", m.Role, strings.Join(segs, " "))
}

func (c *Classifier) record(d Decision) Decision {
	if c.metrics != nil {
		c.metrics.RecordDecision(string(d.Path), d.Model, string(d.Source))
	}
	return d
}

func (c *Classifier) observe(outcome string, seconds float64) {
	if c.metrics != nil {
		c.metrics.RecordClassifier(outcome, seconds)
	}
}

func (c *Classifier) countError(code string) {
	if c.metrics != nil {
		c.metrics.RecordError("classifier", code)
	}
}

func (c *Classifier) warn(ctx context.Context, msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(ctx, msg, args...)
	}
}
