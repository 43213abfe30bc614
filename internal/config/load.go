package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Provider:      "anthropic",
			Model:         "claude-sonnet-4-5-20250929",
			MaxTokens:     8192,
			Temperature:   0.7,
			MaxTurns:      200,
			ContextBudget: 150000,
			WorkspaceRoot: "~/.maestro/workspaces",
		},
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            18890,
			MaxMessageChars: 32000,
			RateLimitRPM:    60,
		},
		Store: StoreConfig{
			Driver: "file",
			Root:   "~/.maestro/store",
		},
		Shell: ShellConfig{
			CreateTimeout:  Duration(10 * time.Second),
			DefaultTimeout: Duration(2 * time.Minute),
			PollInterval:   Duration(500 * time.Millisecond),
		},
		Tools: ToolsConfig{
			SearchMaxResults: 5,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "http",
			ServiceName: "maestro",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.expandPaths()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.expandPaths()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("MAESTRO_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("MAESTRO_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("MAESTRO_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("MAESTRO_PROVIDER", &c.Agent.Provider)
	envStr("MAESTRO_MODEL", &c.Agent.Model)
	envStr("MAESTRO_WORKSPACE_ROOT", &c.Agent.WorkspaceRoot)
	envStr("MAESTRO_FILE_STORE_ROOT", &c.Store.Root)
	envStr("MAESTRO_STORE_DRIVER", &c.Store.Driver)
	envStr("MAESTRO_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("MAESTRO_HOST", &c.Gateway.Host)
	if v := os.Getenv("MAESTRO_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("MAESTRO_BRAVE_API_KEY", &c.Tools.BraveAPIKey)
	if v := os.Getenv("MAESTRO_UNATTENDED"); v != "" {
		c.Tools.Unattended = v == "true" || v == "1"
	}
	if v := os.Getenv("MAESTRO_CONTEXT_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Agent.ContextBudget = n
		}
	}
	if v := os.Getenv("MAESTRO_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Agent.MaxTurns = n
		}
	}

	envStr("MAESTRO_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("MAESTRO_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("MAESTRO_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("MAESTRO_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("MAESTRO_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

func (c *Config) expandPaths() {
	c.Agent.WorkspaceRoot = ExpandHome(c.Agent.WorkspaceRoot)
	c.Store.Root = ExpandHome(c.Store.Root)
}

// ProviderFor returns the configured credentials for the named provider.
func (c *Config) ProviderFor(name string) (ProviderConfig, error) {
	switch name {
	case "anthropic":
		return c.Providers.Anthropic, nil
	case "openai":
		return c.Providers.OpenAI, nil
	}
	return ProviderConfig{}, fmt.Errorf("unknown provider %q", name)
}
