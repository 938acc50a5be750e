package agent

import (
	"fmt"
	"log/slog"
)

// FallbackPolicy selects the alternate provider used when the primary fails
// on a fallback-eligible error.
type FallbackPolicy string

// Fallback policies. Auto prefers the CLI provider when its binary is
// available, else the hosted-chat provider. Off disables fallback.
const (
	FallbackAuto  FallbackPolicy = "auto"
	FallbackOff   FallbackPolicy = "off"
	FallbackCodex FallbackPolicy = "codex"
	FallbackSDK   FallbackPolicy = "sdk"
)

// Options collects everything needed to build a provider chain.
type Options struct {
	Provider  string
	Policy    FallbackPolicy
	Anthropic AnthropicConfig
	Ollama    OllamaConfig
	CLI       CLIConfig
}

// Build constructs the primary agent with its fallback installed according
// to the policy. The fallback shares the same Deps, so both providers write
// through the same store and see the same conversation history.
func Build(deps Deps, opts Options) (Agent, error) {
	primary, err := newVariant(deps, opts, opts.Provider)
	if err != nil {
		return nil, err
	}

	fallbackName := resolveFallbackName(opts)
	if fallbackName == "" || fallbackName == opts.Provider {
		return primary, nil
	}

	fb, err := newVariant(deps, opts, fallbackName)
	if err != nil {
		// A misconfigured fallback disables fallback rather than the
		// whole pipeline.
		slog.Warn("fallback provider unavailable", "provider", fallbackName, "error", err)
		return primary, nil
	}
	primary.SetFallback(fb)
	return primary, nil
}

func resolveFallbackName(opts Options) string {
	switch opts.Policy {
	case FallbackOff:
		return ""
	case FallbackCodex:
		return "cli"
	case FallbackSDK:
		return "anthropic"
	case FallbackAuto, "":
		if CLIAvailable(opts.CLI.Binary) {
			return "cli"
		}
		return "anthropic"
	default:
		return ""
	}
}

func newVariant(deps Deps, opts Options, name string) (Agent, error) {
	switch name {
	case "anthropic":
		return NewAnthropicAgent(deps, opts.Anthropic), nil
	case "ollama":
		return NewOllamaAgent(deps, opts.Ollama)
	case "cli":
		return NewCLIAgent(deps, opts.CLI), nil
	default:
		return nil, fmt.Errorf("agent: unknown provider %q", name)
	}
}
