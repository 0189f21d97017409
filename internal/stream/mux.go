package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/switchboard/internal/observability"
)

// MuxConfig tunes stream delivery.
type MuxConfig struct {
	// KeepAliveInterval is the longest idle gap before a synthetic
	// keepalive is emitted.
	KeepAliveInterval time.Duration

	// GlobalTimeout bounds the whole execution. When it fires the
	// executor is cancelled and the caller gets a terminal error.
	GlobalTimeout time.Duration

	// BufferSize is the fixed capacity of the downstream channel. Delivery
	// applies backpressure beyond it; nothing is buffered unboundedly.
	BufferSize int

	// MaxRestarts re-invokes the start function when the upstream fails
	// before any content was forwarded. Zero disables restarts.
	MaxRestarts int
}

// StartFunc launches an executor and returns its event stream. The mux may
// call it again for a restart, so it must be safe to invoke more than once.
type StartFunc func(ctx context.Context) (<-chan Event, error)

// Mux wraps an executor's event stream with idle keepalives, a global
// timeout, caller-disconnect cancellation, and bounded restarts. A single
// goroutine forwards events, so downstream order always matches upstream
// order.
type Mux struct {
	cfg     MuxConfig
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewMux creates a multiplexer. Logger and metrics may be nil.
func NewMux(cfg MuxConfig, logger *observability.Logger, metrics *observability.Metrics) *Mux {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 15 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	return &Mux{cfg: cfg, logger: logger, metrics: metrics}
}

// Run starts the executor and returns the regulated downstream channel. The
// channel is closed after the terminal event on every path except caller
// disconnect, where the caller is gone and delivery stops silently. The
// executor always sees its context cancelled when the stream winds down, so
// executor-side cleanup is never skipped.
func (m *Mux) Run(ctx context.Context, start StartFunc) (<-chan Event, error) {
	execCtx, cancelExec := context.WithCancel(ctx)

	upstream, err := start(execCtx)
	if err != nil {
		cancelExec()
		return nil, err
	}

	out := make(chan Event, m.cfg.BufferSize)
	go m.pump(ctx, execCtx, cancelExec, upstream, start, out)
	return out, nil
}

func (m *Mux) pump(ctx, execCtx context.Context, cancelExec context.CancelFunc, upstream <-chan Event, start StartFunc, out chan<- Event) {
	defer close(out)
	defer cancelExec()

	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	var globalC <-chan time.Time
	if m.cfg.GlobalTimeout > 0 {
		globalTimer := time.NewTimer(m.cfg.GlobalTimeout)
		defer globalTimer.Stop()
		globalC = globalTimer.C
	}

	lastSent := time.Now()
	contentSeen := false
	restarts := 0

	for {
		select {
		case <-ctx.Done():
			// Caller disconnected. Cancel the executor and stop;
			// nobody is reading anymore.
			m.logDebug(ctx, "caller disconnected, cancelling executor")
			return

		case <-globalC:
			cancelExec()
			m.logDebug(ctx, "global timeout exceeded", "limit", m.cfg.GlobalTimeout)
			m.countError(CodeGlobalTimeout)
			msg := fmt.Sprintf("the run exceeded the %s limit; try splitting the work into smaller requests", m.cfg.GlobalTimeout)
			if m.forward(ctx, out, Error(CodeGlobalTimeout, msg)) {
				m.forward(ctx, out, Done(nil))
			}
			return

		case ev, ok := <-upstream:
			if !ok {
				// Executors end with done before closing; a bare
				// close means something upstream broke. The caller
				// still gets a terminal pair, never a truncated
				// stream.
				if m.forward(ctx, out, Error(CodeInternal, "the stream ended unexpectedly")) {
					m.forward(ctx, out, Done(nil))
				}
				return
			}

			if ev.Kind == KindError && !contentSeen && restarts < m.cfg.MaxRestarts && restartable(ev.Err) {
				restarts++
				m.logDebug(ctx, "restarting executor", "restart", restarts, "code", ev.Err.Code)
				for range upstream {
					// Drain the failed stream to let the executor
					// goroutine finish.
				}
				next, err := start(execCtx)
				if err != nil {
					if m.forward(ctx, out, Error(ev.Err.Code, ev.Err.Message)) {
						m.forward(ctx, out, Done(nil))
					}
					return
				}
				upstream = next
				continue
			}

			if ev.Kind == KindContentDelta {
				contentSeen = true
			}
			if ev.Kind == KindError && ev.Err != nil {
				m.countError(ev.Err.Code)
			}
			if !m.forward(ctx, out, ev) {
				return
			}
			lastSent = time.Now()
			ticker.Reset(m.cfg.KeepAliveInterval)
			if ev.Kind == KindDone {
				return
			}

		case <-ticker.C:
			// A tick already queued before the last reset still lands
			// here; a real event in the same window suppresses the
			// synthetic keepalive.
			if time.Since(lastSent) < m.cfg.KeepAliveInterval {
				continue
			}
			if !m.forward(ctx, out, KeepAlive()) {
				return
			}
			lastSent = time.Now()
		}
	}
}

// forward delivers one event downstream, giving up if the caller disappears.
func (m *Mux) forward(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		if m.metrics != nil {
			m.metrics.RecordStreamEvent(string(ev.Kind))
		}
		return true
	case <-ctx.Done():
		return false
	}
}

func restartable(info *ErrorInfo) bool {
	return info != nil && info.Code == CodeBackendUnavailable
}

func (m *Mux) logDebug(ctx context.Context, msg string, args ...any) {
	if m.logger != nil {
		m.logger.Debug(ctx, msg, args...)
	}
}

func (m *Mux) countError(code string) {
	if m.metrics != nil {
		m.metrics.RecordError("mux", code)
	}
}
