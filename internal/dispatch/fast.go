package dispatch

import (
	"context"
	"sync"

	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/providers"
	"github.com/haasonsaas/switchboard/internal/registry"
	"github.com/haasonsaas/switchboard/internal/stream"
	"github.com/haasonsaas/switchboard/internal/types"
)

// FastExecutor streams exactly one model call back to the caller. It never
// retries; restart policy belongs to the multiplexer.
type FastExecutor struct {
	logger  *observability.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	backends map[string]providers.Backend
}

// NewFastExecutor builds the fast-path executor.
func NewFastExecutor(logger *observability.Logger, metrics *observability.Metrics) *FastExecutor {
	return &FastExecutor{
		logger:   logger,
		metrics:  metrics,
		backends: make(map[string]providers.Backend),
	}
}

// Execute issues one streaming completion against the spec's backend.
func (e *FastExecutor) Execute(ctx context.Context, spec registry.Spec, req *types.ChatCompletionRequest) (<-chan stream.Event, error) {
	backend, err := e.backendFor(spec)
	if err != nil {
		return nil, err
	}

	return backend.Stream(ctx, providers.Request{
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	})
}

// backendFor caches provider clients by catalog id so repeated requests
// reuse their HTTP transport.
func (e *FastExecutor) backendFor(spec registry.Spec) (providers.Backend, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if backend, ok := e.backends[spec.ID]; ok {
		return backend, nil
	}
	backend, err := providers.ForSpec(spec, e.logger, e.metrics)
	if err != nil {
		return nil, err
	}
	e.backends[spec.ID] = backend
	return backend, nil
}
