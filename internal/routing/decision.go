// Package routing decides which execution path and which model serve an
// incoming chat request. A Decision is either taken verbatim from a caller
// hint, produced by a small classifier model, or falls back to the cheapest
// pair when classification cannot complete in time.
package routing

// Path selects the execution strategy for a request.
type Path string

const (
	// PathFast streams a single model call straight back to the caller.
	PathFast Path = "fast"
	// PathAgent runs the request inside a sandboxed agent runtime.
	PathAgent Path = "agent"
)

// Model identifiers routable by a Decision. These are catalog aliases, not
// provider model names; the registry maps them to backend connections.
const (
	ModelChatBasic     = "chat-basic"
	ModelChatThink     = "chat-think"
	ModelChatThinkDeep = "chat-think-deep"
	ModelAgentLite     = "agent-lite"
	ModelAgentCore     = "agent-core"
	ModelChatVision    = "chat-vision"
)

// Source records where a Decision came from.
type Source string

const (
	SourceHint       Source = "hint"
	SourceClassifier Source = "classifier"
	SourceDefault    Source = "default"
	SourceVision     Source = "vision"
)

// Decision is the routing verdict for one request. Once produced it is
// immutable; downstream components read it but never change it.
type Decision struct {
	Path   Path
	Model  string
	Source Source
}

// catalog is the closed set of routable (path, model) pairs. The vision
// model appears on both paths because image requests keep their path and
// swap only the model.
var catalog = map[Path]map[string]struct{}{
	PathFast: {
		ModelChatBasic:     {},
		ModelChatThink:     {},
		ModelChatThinkDeep: {},
		ModelChatVision:    {},
	},
	PathAgent: {
		ModelAgentLite:  {},
		ModelAgentCore:  {},
		ModelChatVision: {},
	},
}

// verdictPairs is the subset of the catalog the classifier may answer with.
// Vision pairs are excluded: the vision model is only ever selected by image
// forcing, never by the classifier itself.
var verdictPairs = map[Path]map[string]struct{}{
	PathFast: {
		ModelChatBasic:     {},
		ModelChatThink:     {},
		ModelChatThinkDeep: {},
	},
	PathAgent: {
		ModelAgentLite: {},
		ModelAgentCore: {},
	},
}

// Allowed reports whether (path, model) is a routable pair.
func Allowed(path Path, model string) bool {
	models, ok := catalog[path]
	if !ok {
		return false
	}
	_, ok = models[model]
	return ok
}

// Multimodal reports whether the model accepts image content.
func Multimodal(model string) bool {
	return model == ModelChatVision
}

// DefaultDecision is the fail-closed fallback used when classification times
// out or returns garbage.
func DefaultDecision() Decision {
	return Decision{Path: PathFast, Model: ModelChatBasic, Source: SourceDefault}
}
