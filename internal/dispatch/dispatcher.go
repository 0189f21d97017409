// Package dispatch turns chat requests into regulated event streams: it
// classifies each request, resolves the model spec, runs the matching
// executor, and wraps delivery in the stream multiplexer.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/registry"
	"github.com/haasonsaas/switchboard/internal/routing"
	"github.com/haasonsaas/switchboard/internal/stream"
	"github.com/haasonsaas/switchboard/internal/types"
)

// Decider produces the routing decision for a request. The production
// implementation is *routing.Classifier.
type Decider interface {
	Classify(ctx context.Context, messages []types.ChatMessage, hint *types.RoutingHint) routing.Decision
}

// Dispatcher routes one chat request end to end.
type Dispatcher struct {
	decider  Decider
	registry *registry.Registry
	fast     *FastExecutor
	agent    *AgentExecutor
	mux      *stream.Mux
	logger   *observability.Logger
}

// NewDispatcher wires a dispatcher from its stages.
func NewDispatcher(decider Decider, reg *registry.Registry, fast *FastExecutor, agent *AgentExecutor, mux *stream.Mux, logger *observability.Logger) *Dispatcher {
	return &Dispatcher{
		decider:  decider,
		registry: reg,
		fast:     fast,
		agent:    agent,
		mux:      mux,
		logger:   logger,
	}
}

// Handle classifies the request, selects the executor for the decision's
// path, and returns the regulated event stream along with the decision that
// routed it. The decision is read downstream but never modified.
func (d *Dispatcher) Handle(ctx context.Context, req *types.ChatCompletionRequest) (<-chan stream.Event, routing.Decision, error) {
	start := time.Now()

	decision := d.decider.Classify(ctx, req.Messages, req.RoutingHint)

	spec, err := d.registry.Resolve(decision.Model)
	if err != nil {
		return nil, decision, fmt.Errorf("resolve model %q: %w", decision.Model, err)
	}

	var startFn stream.StartFunc
	switch decision.Path {
	case routing.PathAgent:
		flavor := agentFlavor(spec, req.Messages)
		startFn = func(execCtx context.Context) (<-chan stream.Event, error) {
			return d.agent.Execute(execCtx, spec, req, flavor)
		}
	default:
		startFn = func(execCtx context.Context) (<-chan stream.Event, error) {
			return d.fast.Execute(execCtx, spec, req)
		}
	}

	events, err := d.mux.Run(ctx, startFn)
	if err != nil {
		return nil, decision, err
	}

	if d.logger != nil {
		d.logger.Info(ctx, "request dispatched",
			"path", string(decision.Path),
			"model", decision.Model,
			"source", string(decision.Source),
			"dispatch_ms", time.Since(start).Milliseconds())
	}
	return events, decision, nil
}

// agentFlavor picks the warm pool flavor for an agent run. Image work always
// lands on the browser flavor so the runtime can render media; other runs
// use the spec's flavor.
func agentFlavor(spec registry.Spec, messages []types.ChatMessage) string {
	if types.HasImage(messages) {
		return registry.FlavorBrowser
	}
	if spec.SandboxFlavor != "" {
		return spec.SandboxFlavor
	}
	return registry.FlavorAgentReady
}
