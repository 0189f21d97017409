package sandbox

import (
	"strings"
	"time"
)

// State tracks where a handle sits in its lifecycle.
type State string

const (
	// StateWarm means the sandbox is idle in the pool, ready to serve.
	StateWarm State = "warm"

	// StateAssigned means the sandbox is serving a request.
	StateAssigned State = "assigned"

	// StateDraining means the sandbox is leaving the pool and will be
	// terminated.
	StateDraining State = "draining"

	// StateTerminated means the sandbox is gone.
	StateTerminated State = "terminated"
)

// Handle identifies one live sandbox. ID, Flavor, and PublicBaseURL are
// fixed at creation; the remaining fields are owned by the pool and change
// only under its per-flavor lock.
type Handle struct {
	ID            string
	Flavor        string
	PublicBaseURL string
	CreatedAt     time.Time
	LastUsedAt    time.Time
	RequestCount  int
	State         State
}

// ArtifactURL resolves a sandbox-relative file path against the handle's
// public base URL.
func (h *Handle) ArtifactURL(filePath string) string {
	base := strings.TrimRight(h.PublicBaseURL, "/")
	return base + "/" + strings.TrimLeft(filePath, "/")
}
