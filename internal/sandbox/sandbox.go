// Package sandbox provides the agent runtime platform and the warm pool in
// front of it. The platform creates, resets, and destroys sandboxes and
// opens task streams against the agent daemon inside each one; the pool
// keeps per-flavor warm sets so agent requests skip the creation latency.
package sandbox

import (
	"context"
	"errors"
)

// Sentinel errors callers branch on.
var (
	// ErrReadTimeout marks a task stream read that hit its deadline. The
	// executor retries these; transport failures are terminal.
	ErrReadTimeout = errors.New("sandbox read timed out")

	// ErrUnknownFlavor is returned by Acquire for flavors the pool was
	// not configured with.
	ErrUnknownFlavor = errors.New("unknown sandbox flavor")

	// ErrPoolClosed is returned by Acquire after Shutdown.
	ErrPoolClosed = errors.New("sandbox pool is closed")
)

// Platform is the sandbox lifecycle the pool and the agent executor run on.
type Platform interface {
	// Create boots a sandbox of the given flavor, waits until it is
	// running, and resolves its public base URL.
	Create(ctx context.Context, flavor string) (*Handle, error)

	// Submit opens the sandbox's agent endpoint, sends the task, and
	// returns the native event stream.
	Submit(ctx context.Context, handle *Handle, task Task) (*TaskStream, error)

	// Reset returns a finished sandbox to a clean baseline so it can
	// serve another request.
	Reset(ctx context.Context, handle *Handle) error

	// Terminate destroys the sandbox.
	Terminate(ctx context.Context, handle *Handle) error
}
