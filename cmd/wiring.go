package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lowkeylabs/maestro/internal/config"
	"github.com/lowkeylabs/maestro/internal/llm"
	"github.com/lowkeylabs/maestro/internal/state"
)

// newLLMClient builds the provider client named by cfg.Agent.Provider.
func newLLMClient(cfg *config.Config) (llm.Client, error) {
	provider, err := cfg.ProviderFor(cfg.Agent.Provider)
	if err != nil {
		return nil, err
	}
	if provider.APIKey == "" {
		return nil, fmt.Errorf("no API key configured for provider %q", cfg.Agent.Provider)
	}

	switch cfg.Agent.Provider {
	case "anthropic":
		opts := []llm.AnthropicOption{llm.WithAnthropicModel(cfg.Agent.Model)}
		if provider.BaseURL != "" {
			opts = append(opts, llm.WithAnthropicBaseURL(provider.BaseURL))
		}
		return llm.NewAnthropicClient(provider.APIKey, opts...), nil
	case "openai":
		opts := []llm.OpenAIOption{llm.WithOpenAIModel(cfg.Agent.Model)}
		if provider.BaseURL != "" {
			opts = append(opts, llm.WithOpenAIBaseURL(provider.BaseURL))
		}
		return llm.NewOpenAIClient(provider.APIKey, opts...), nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Agent.Provider)
}

// openStore builds the session store selected by cfg.Store.Driver. The
// returned closer is a no-op for the file store.
func openStore(cfg *config.Config) (state.Store, func() error, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		if err := os.MkdirAll(cfg.Store.Root, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create store root: %w", err)
		}
		st, err := state.NewSQLiteStore(filepath.Join(cfg.Store.Root, "maestro.db"))
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case "file", "":
		st, err := state.NewFileStore(cfg.Store.Root)
		if err != nil {
			return nil, nil, err
		}
		return st, func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
