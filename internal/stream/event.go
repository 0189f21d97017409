// Package stream defines the client-facing event vocabulary shared by both
// execution paths and the multiplexer that regulates delivery.
package stream

// Kind tags an Event variant.
type Kind string

const (
	// KindReasoningDelta carries model or agent thinking text, including
	// retry notices.
	KindReasoningDelta Kind = "reasoning_delta"

	// KindContentDelta carries answer text.
	KindContentDelta Kind = "content_delta"

	// KindArtifact describes a file produced by an agent run.
	KindArtifact Kind = "artifact"

	// KindKeepAlive fills idle gaps so intermediaries keep the connection
	// open. Never rendered as content.
	KindKeepAlive Kind = "keepalive"

	// KindError is the terminal error descriptor. At most one per stream,
	// always followed by done.
	KindError Kind = "error"

	// KindDone terminates every stream.
	KindDone Kind = "done"
)

// Error codes carried on KindError events. CodeCancelled never reaches a
// caller (disconnect cleanup is silent) but keeps log and metric labels on
// the same vocabulary.
const (
	CodeSandboxUnavailable = "sandbox_unavailable"
	CodeSandboxReadTimeout = "sandbox_read_timeout"
	CodeBackendUnavailable = "backend_unavailable"
	CodeGlobalTimeout      = "global_timeout"
	CodeCancelled          = "cancelled"
	CodeInternal           = "internal"
)

// Event is the tagged union executors emit and the HTTP layer translates to
// wire chunks. Exactly one payload field is meaningful per kind.
type Event struct {
	Kind     Kind
	Text     string
	Artifact *Artifact
	Err      *ErrorInfo
	Usage    *Usage
}

// Artifact points at a file on a sandbox's public base URL.
type Artifact struct {
	URL      string
	MimeType string
	Size     int64
}

// ErrorInfo is the typed terminal error payload.
type ErrorInfo struct {
	Code    string
	Message string
}

// Usage carries token accounting when the backend reports it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Reasoning returns a reasoning delta event.
func Reasoning(text string) Event {
	return Event{Kind: KindReasoningDelta, Text: text}
}

// Content returns a content delta event.
func Content(text string) Event {
	return Event{Kind: KindContentDelta, Text: text}
}

// ArtifactRef returns an artifact descriptor event.
func ArtifactRef(url, mimeType string, size int64) Event {
	return Event{Kind: KindArtifact, Artifact: &Artifact{URL: url, MimeType: mimeType, Size: size}}
}

// KeepAlive returns an idle keepalive event.
func KeepAlive() Event {
	return Event{Kind: KindKeepAlive}
}

// Error returns a terminal error event.
func Error(code, message string) Event {
	return Event{Kind: KindError, Err: &ErrorInfo{Code: code, Message: message}}
}

// Done returns the terminal sentinel, optionally carrying usage.
func Done(usage *Usage) Event {
	return Event{Kind: KindDone, Usage: usage}
}
