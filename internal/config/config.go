package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the full maestro configuration, loaded once at startup.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Store     StoreConfig     `json:"store"`
	Shell     ShellConfig     `json:"shell"`
	Tools     ToolsConfig     `json:"tools"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// AgentConfig controls the turn loop and context budget.
type AgentConfig struct {
	Provider      string  `json:"provider"` // "anthropic" or "openai"
	Model         string  `json:"model"`
	MaxTokens     int     `json:"max_tokens"`
	Temperature   float64 `json:"temperature"`
	MaxTurns      int     `json:"max_turns"`
	ContextBudget int     `json:"context_budget"` // token estimate that triggers compaction
	WorkspaceRoot string  `json:"workspace_root"` // per-session workspaces are created under this
	SystemPrompt  string  `json:"system_prompt,omitempty"`
}

// ProvidersConfig holds per-provider credentials and endpoints.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

// ProviderConfig is one LLM backend.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// GatewayConfig controls the WebSocket server.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Token           string   `json:"token,omitempty"` // optional static bearer token
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	MaxMessageChars int      `json:"max_message_chars"`
	RateLimitRPM    int      `json:"rate_limit_rpm"`
}

// StoreConfig selects and locates the session state store.
type StoreConfig struct {
	Driver string `json:"driver"` // "file" or "sqlite"
	Root   string `json:"root"`   // file_store_root; sqlite DB lives at <root>/maestro.db
}

// ShellConfig tunes the persistent shell broker.
type ShellConfig struct {
	CreateTimeout  Duration `json:"create_timeout"`
	DefaultTimeout Duration `json:"default_timeout"` // per-command timeout for bash runs
	PollInterval   Duration `json:"poll_interval"`
}

// ToolsConfig holds tool-specific settings.
type ToolsConfig struct {
	BraveAPIKey      string `json:"brave_api_key,omitempty"`
	SearchMaxResults int    `json:"search_max_results"`
	Unattended       bool   `json:"unattended"` // skip confirmations (AllowAll)
}

// TelemetryConfig enables the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "http" or "grpc"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Duration unmarshals from a JSON string like "30s" or a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	var secs float64
	if _, err := fmt.Sscanf(s, "%f", &secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration %q", s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/"))
	}
	return p
}
