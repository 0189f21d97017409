package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/switchboard/internal/backoff"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/registry"
	"github.com/haasonsaas/switchboard/internal/sandbox"
	"github.com/haasonsaas/switchboard/internal/stream"
	"github.com/haasonsaas/switchboard/internal/types"
)

// AgentExecutor runs agent-path requests inside pooled sandboxes and
// forwards native run events the moment they arrive.
type AgentExecutor struct {
	pool     *sandbox.Pool
	platform sandbox.Platform
	cfg      config.AgentConfig
	policy   backoff.Policy
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewAgentExecutor builds the agent-path executor. The pool hands out
// sandboxes; the platform submits tasks to them.
func NewAgentExecutor(pool *sandbox.Pool, platform sandbox.Platform, cfg config.AgentConfig, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *AgentExecutor {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.MaxReadRetries < 1 {
		cfg.MaxReadRetries = 1
	}
	return &AgentExecutor{
		pool:     pool,
		platform: platform,
		cfg:      cfg,
		policy:   backoff.Resubmit(),
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Execute starts the run and returns its event stream. The channel carries
// at most one error then exactly one done before closing; when ctx is
// cancelled it closes silently and the sandbox is still released.
func (e *AgentExecutor) Execute(ctx context.Context, spec registry.Spec, req *types.ChatCompletionRequest, flavor string) (<-chan stream.Event, error) {
	out := make(chan stream.Event)
	go e.run(ctx, spec, req, flavor, out)
	return out, nil
}

func (e *AgentExecutor) run(ctx context.Context, spec registry.Spec, req *types.ChatCompletionRequest, flavor string, out chan<- stream.Event) {
	defer close(out)

	handle, err := e.pool.Acquire(ctx, flavor)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		rerr := routeError(stream.CodeSandboxUnavailable,
			"no agent sandbox is available right now; please retry shortly", err)
		e.warn(ctx, "sandbox acquire failed", "flavor", flavor, "error", rerr)
		e.countError(rerr.Code)
		e.fail(ctx, out, rerr)
		return
	}

	// The zero value keeps the sandbox out of the warm pool on every
	// failure and cancellation path.
	reusable := false
	defer func() { e.pool.Release(handle, reusable) }()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.TraceSandboxTask(ctx, flavor, handle.ID)
		defer span.End()
	}

	task := sandbox.Task{
		ID:        uuid.NewString(),
		Model:     spec.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	}
	if task.MaxTokens <= 0 {
		task.MaxTokens = spec.MaxTokens
	}

	timeouts := 0
	for {
		usage, err := e.attempt(ctx, handle, task, out)
		if err == nil {
			reusable = true
			e.send(ctx, out, stream.Done(usage))
			return
		}
		if ctx.Err() != nil {
			e.countError(stream.CodeCancelled)
			e.debug(ctx, "agent run cancelled", "sandbox_id", handle.ID)
			return
		}

		var rerr *RouteError
		if errors.As(err, &rerr) {
			e.warn(ctx, "agent run failed", "sandbox_id", handle.ID, "error", rerr)
			e.countError(rerr.Code)
			e.fail(ctx, out, rerr)
			return
		}

		if errors.Is(err, sandbox.ErrReadTimeout) {
			timeouts++

			// Every timeout gets a notice; the one that spends the
			// budget is followed by the terminal error.
			if timeouts >= e.cfg.MaxReadRetries {
				notice := fmt.Sprintf("The sandbox went quiet (timeout %d of %d).",
					timeouts, e.cfg.MaxReadRetries)
				if !e.send(ctx, out, stream.Reasoning(notice)) {
					return
				}
				rerr := routeError(stream.CodeSandboxReadTimeout,
					"the sandbox stopped responding; try splitting the work into smaller steps", err)
				e.warn(ctx, "read timeout budget exhausted",
					"sandbox_id", handle.ID, "timeouts", timeouts, "error", rerr)
				e.countError(rerr.Code)
				e.fail(ctx, out, rerr)
				return
			}

			notice := fmt.Sprintf("The sandbox went quiet (timeout %d of %d); resubmitting the task.",
				timeouts, e.cfg.MaxReadRetries)
			if !e.send(ctx, out, stream.Reasoning(notice)) {
				return
			}
			e.warn(ctx, "sandbox read timed out, resubmitting",
				"sandbox_id", handle.ID, "attempt", timeouts)
			if e.metrics != nil {
				e.metrics.RecordTaskRetry(handle.Flavor)
			}
			if backoff.Sleep(ctx, e.policy, timeouts) != nil {
				return
			}
			continue
		}

		rerr = routeError(stream.CodeSandboxUnavailable,
			"the sandbox connection was lost before the run finished", err)
		e.warn(ctx, "agent stream broke", "sandbox_id", handle.ID, "error", rerr)
		e.countError(rerr.Code)
		e.fail(ctx, out, rerr)
		return
	}
}

// attempt submits the task once and forwards native events until the run
// ends. It returns usage on native completion, a RouteError when the run
// itself fails, a wrapped ErrReadTimeout when the sandbox goes quiet past
// the read deadline, and the raw transport error otherwise.
func (e *AgentExecutor) attempt(ctx context.Context, handle *sandbox.Handle, task sandbox.Task, out chan<- stream.Event) (*stream.Usage, error) {
	ts, err := e.platform.Submit(ctx, handle, task)
	if err != nil {
		return nil, routeError(stream.CodeSandboxUnavailable,
			"the sandbox did not accept the task; please retry", err)
	}
	ts.ReadTimeout = e.cfg.ReadTimeout
	defer ts.Close()

	// Cancellation must unblock a pending read, not wait out the read
	// deadline.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			ts.Close()
		case <-watchDone:
		}
	}()

	for {
		event, err := ts.Next()
		if err != nil {
			return nil, err
		}

		switch event.Type {
		case sandbox.EventThinking:
			if !e.send(ctx, out, stream.Reasoning(event.Text)) {
				return nil, ctx.Err()
			}
		case sandbox.EventOutput:
			if !e.send(ctx, out, stream.Content(event.Text)) {
				return nil, ctx.Err()
			}
		case sandbox.EventFile:
			if event.File == nil {
				continue
			}
			artifact := stream.ArtifactRef(handle.ArtifactURL(event.File.Path),
				event.File.MimeType, event.File.Size)
			if !e.send(ctx, out, artifact) {
				return nil, ctx.Err()
			}
		case sandbox.EventComplete:
			return taskUsage(event.Usage), nil
		case sandbox.EventFailed:
			message := event.Message
			if message == "" {
				message = "the agent run failed"
			}
			return nil, routeError(stream.CodeInternal, message, nil)
		default:
			// Unknown native event types surface as reasoning text
			// instead of being dropped.
			text := event.Text
			if text == "" {
				text = fmt.Sprintf("agent event: %s", event.Type)
			}
			if !e.send(ctx, out, stream.Reasoning(text)) {
				return nil, ctx.Err()
			}
		}
	}
}

// fail delivers the terminal error pair.
func (e *AgentExecutor) fail(ctx context.Context, out chan<- stream.Event, rerr *RouteError) {
	if !e.send(ctx, out, stream.Error(rerr.Code, rerr.Message)) {
		return
	}
	e.send(ctx, out, stream.Done(nil))
}

func (e *AgentExecutor) send(ctx context.Context, out chan<- stream.Event, ev stream.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *AgentExecutor) warn(ctx context.Context, msg string, args ...any) {
	if e.logger != nil {
		e.logger.Warn(ctx, msg, args...)
	}
}

func (e *AgentExecutor) debug(ctx context.Context, msg string, args ...any) {
	if e.logger != nil {
		e.logger.Debug(ctx, msg, args...)
	}
}

func (e *AgentExecutor) countError(code string) {
	if e.metrics != nil {
		e.metrics.RecordError("agent", code)
	}
}

func taskUsage(u *sandbox.TaskUsage) *stream.Usage {
	if u == nil {
		return nil
	}
	return &stream.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
	}
}
