// Package providers adapts upstream LLM APIs to the router's event stream.
//
// Each backend issues exactly one streaming call per Stream invocation and
// translates the provider's wire protocol into stream events. Backends never
// retry: restart policy belongs to the multiplexer and the agent executor.
// Every stream the pump produces ends with a done event, preceded by at most
// one error event, and the channel is closed afterwards.
package providers

import (
	"context"
	"fmt"

	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/registry"
	"github.com/haasonsaas/switchboard/internal/stream"
	"github.com/haasonsaas/switchboard/internal/types"
)

// backendUnavailableMessage is the user-facing text for upstream failures.
// Details go to the log, not the caller.
const backendUnavailableMessage = "the model backend failed to respond; please retry"

// maxEmptyStreamEvents bounds consecutive events that produce no output
// before the stream is declared malformed.
const maxEmptyStreamEvents = 300

// Request is one chat call against a resolved backend.
type Request struct {
	// Messages is the full conversation, oldest first. System messages
	// are relocated where the provider wants them out of band.
	Messages []types.ChatMessage

	// MaxTokens overrides the spec's completion cap when positive.
	MaxTokens int
}

// Backend streams a single model call. Implementations emit deltas as they
// arrive and finish with done, preceded by one error event when the call
// fails. Transport failures surface on the channel rather than as returned
// errors so the multiplexer can apply its restart policy uniformly.
type Backend interface {
	// Name identifies the provider family for logging and metrics.
	Name() string

	// Stream issues the call and returns its event channel.
	Stream(ctx context.Context, req Request) (<-chan stream.Event, error)
}

// ForSpec builds the backend for a registry entry. Logger and metrics may
// be nil.
func ForSpec(spec registry.Spec, logger *observability.Logger, metrics *observability.Metrics) (Backend, error) {
	switch spec.Provider {
	case "openai":
		return NewOpenAIBackend(spec, logger, metrics), nil
	case "anthropic":
		return NewAnthropicBackend(spec, logger, metrics), nil
	default:
		return nil, fmt.Errorf("model %q: unsupported provider %q", spec.ID, spec.Provider)
	}
}

// send delivers one event unless the call context is already gone.
func send(ctx context.Context, out chan<- stream.Event, ev stream.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func logWarn(ctx context.Context, logger *observability.Logger, msg string, args ...any) {
	if logger != nil {
		logger.Warn(ctx, msg, args...)
	}
}

func countError(metrics *observability.Metrics, code string) {
	if metrics != nil {
		metrics.RecordError("providers", code)
	}
}

func recordTokens(metrics *observability.Metrics, provider, model string, usage *stream.Usage) {
	if metrics == nil || usage == nil {
		return
	}
	metrics.RecordBackendTokens(provider, model, usage.PromptTokens, usage.CompletionTokens)
}
