package provider

import (
	"sort"
	"strings"
)

type ModelSpec struct {
	ID   string
	Name string
}

type ProviderSpec struct {
	ID             string
	Name           string
	APIKeyPrefix   string
	DefaultBaseURL string
	Models         []ModelSpec
}

// The catalog is static: the gateway never queries providers live, it only
// advertises what a tenant could select for its runtime instances.
var builtinProviders = map[string]ProviderSpec{
	"openai": {
		ID:             "openai",
		Name:           "OpenAI",
		APIKeyPrefix:   "OPENAI_API_KEY",
		DefaultBaseURL: "https://api.openai.com/v1",
		Models: []ModelSpec{
			{ID: "gpt-4o-mini", Name: "GPT-4o Mini"},
			{ID: "gpt-4o", Name: "GPT-4o"},
			{ID: "gpt-4.1-mini", Name: "GPT-4.1 Mini"},
		},
	},
	"anthropic": {
		ID:             "anthropic",
		Name:           "Anthropic",
		APIKeyPrefix:   "ANTHROPIC_API_KEY",
		DefaultBaseURL: "https://api.anthropic.com",
		Models: []ModelSpec{
			{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4"},
			{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku"},
		},
	},
	"openrouter": {
		ID:             "openrouter",
		Name:           "OpenRouter",
		APIKeyPrefix:   "OPENROUTER_API_KEY",
		DefaultBaseURL: "https://openrouter.ai/api/v1",
		Models: []ModelSpec{
			{ID: "openai/gpt-4o-mini", Name: "GPT-4o Mini"},
			{ID: "anthropic/claude-sonnet-4", Name: "Claude Sonnet 4"},
			{ID: "meta-llama/llama-3.1-70b-instruct", Name: "Llama 3.1 70B"},
		},
	},
}

func ListBuiltinProviderIDs() []string {
	out := make([]string, 0, len(builtinProviders))
	for id := range builtinProviders {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func ResolveProvider(providerID string) (ProviderSpec, bool) {
	id := normalizeProviderID(providerID)
	spec, ok := builtinProviders[id]
	if !ok {
		return ProviderSpec{}, false
	}
	return cloneProviderSpec(spec), true
}

// ResolveModels returns the catalog models for one provider. Unknown providers
// yield an empty list: custom providers carry their own model namespace and
// the gateway does not invent entries for them.
func ResolveModels(providerID string) []ModelSpec {
	spec, ok := ResolveProvider(providerID)
	if !ok {
		return []ModelSpec{}
	}
	return spec.Models
}

func EnvPrefix(providerID string) string {
	prefix := strings.ToUpper(strings.TrimSpace(providerID))
	if prefix == "" {
		return "PROVIDER"
	}
	replacer := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return replacer.Replace(prefix)
}

func normalizeProviderID(providerID string) string {
	return strings.ToLower(strings.TrimSpace(providerID))
}

func cloneProviderSpec(in ProviderSpec) ProviderSpec {
	out := in
	out.Models = make([]ModelSpec, len(in.Models))
	copy(out.Models, in.Models)
	return out
}
