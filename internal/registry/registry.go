// Package registry maps catalog model ids to backend connection parameters.
// Routing picks which model serves a request; the registry knows how to
// reach it.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/routing"
)

// ErrUnknownModel is returned by Resolve for ids with no registered spec.
var ErrUnknownModel = errors.New("unknown model")

// Warm pool flavors the built-in catalog draws from.
const (
	// FlavorAgentReady is the general-purpose agent runtime.
	FlavorAgentReady = "agent-ready"

	// FlavorBrowser carries a headless browser and media tooling for
	// agent runs that work with images.
	FlavorBrowser = "browser"
)

// Spec holds the connection parameters for one catalog model id.
type Spec struct {
	// ID is the catalog id requests route against.
	ID string

	// Provider selects the client family: "openai" or "anthropic".
	Provider string

	// Model is the upstream model name sent to the provider, or the
	// runtime model handed to the sandbox agent for agent-path entries.
	Model string

	// BaseURL overrides the provider's default endpoint. Only meaningful
	// for OpenAI-compatible providers.
	BaseURL string

	APIKey    string
	MaxTokens int

	// ThinkingBudget caps extended thinking tokens per call. Zero leaves
	// extended thinking off. Only meaningful for Anthropic entries.
	ThinkingBudget int

	// Multimodal marks models that accept image content.
	Multimodal bool

	// SandboxFlavor names the warm pool flavor agent-path runs draw from.
	// Empty for models that only serve the fast path.
	SandboxFlavor string
}

// Registry resolves catalog model ids to backend specs.
type Registry struct {
	specs map[string]Spec
}

// New builds a registry from the built-in catalog plus configured
// overrides. An override for a known id patches its non-zero fields; an
// override with a new id adds a spec and must name provider and model.
func New(models []config.ModelConfig) (*Registry, error) {
	specs := make(map[string]Spec)
	for _, spec := range defaults() {
		specs[spec.ID] = spec
	}

	for _, m := range models {
		spec, ok := specs[m.ID]
		if !ok {
			if m.Provider == "" || m.Model == "" {
				return nil, fmt.Errorf("model %q: provider and model are required outside the built-in catalog", m.ID)
			}
			spec = Spec{ID: m.ID}
		}
		if m.Provider != "" {
			spec.Provider = m.Provider
		}
		if m.Model != "" {
			spec.Model = m.Model
		}
		if m.BaseURL != "" {
			spec.BaseURL = m.BaseURL
		}
		if m.APIKey != "" {
			spec.APIKey = m.APIKey
		}
		if m.MaxTokens != 0 {
			spec.MaxTokens = m.MaxTokens
		}
		if m.ThinkingBudget != 0 {
			spec.ThinkingBudget = m.ThinkingBudget
		}
		if m.Multimodal {
			spec.Multimodal = true
		}
		if m.Flavor != "" {
			spec.SandboxFlavor = m.Flavor
		}
		specs[m.ID] = spec
	}

	return &Registry{specs: specs}, nil
}

// Resolve returns the spec for a catalog model id.
func (r *Registry) Resolve(id string) (Spec, error) {
	spec, ok := r.specs[id]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return spec, nil
}

// List returns all registered specs ordered by id.
func (r *Registry) List() []Spec {
	specs := make([]Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

// defaults is the built-in catalog. API keys come from the environment so
// an unconfigured deployment works with exported credentials alone; any
// field can still be overridden per model in the config file.
func defaults() []Spec {
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")

	return []Spec{
		{
			ID:        routing.ModelChatBasic,
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			APIKey:    openaiKey,
			MaxTokens: 4096,
		},
		{
			ID:             routing.ModelChatThink,
			Provider:       "anthropic",
			Model:          "claude-sonnet-4-20250514",
			APIKey:         anthropicKey,
			MaxTokens:      8192,
			ThinkingBudget: 4096,
		},
		{
			ID:             routing.ModelChatThinkDeep,
			Provider:       "anthropic",
			Model:          "claude-opus-4-20250514",
			APIKey:         anthropicKey,
			MaxTokens:      16384,
			ThinkingBudget: 10000,
		},
		{
			ID:            routing.ModelAgentLite,
			Provider:      "anthropic",
			Model:         "claude-sonnet-4-20250514",
			APIKey:        anthropicKey,
			MaxTokens:     8192,
			SandboxFlavor: FlavorAgentReady,
		},
		{
			ID:            routing.ModelAgentCore,
			Provider:      "anthropic",
			Model:         "claude-opus-4-20250514",
			APIKey:        anthropicKey,
			MaxTokens:     16384,
			SandboxFlavor: FlavorAgentReady,
		},
		{
			ID:            routing.ModelChatVision,
			Provider:      "openai",
			Model:         "gpt-4o",
			APIKey:        openaiKey,
			MaxTokens:     8192,
			Multimodal:    true,
			SandboxFlavor: FlavorBrowser,
		},
	}
}
