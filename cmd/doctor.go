package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/lowkeylabs/maestro/internal/config"
	"github.com/lowkeylabs/maestro/internal/shell"
	"github.com/lowkeylabs/maestro/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("maestro doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults + env apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Provider:")
	fmt.Printf("    %-10s %s\n", "Name:", cfg.Agent.Provider)
	fmt.Printf("    %-10s %s\n", "Model:", cfg.Agent.Model)
	if provider, err := cfg.ProviderFor(cfg.Agent.Provider); err != nil {
		fmt.Printf("    %-10s %s\n", "Status:", err)
	} else if provider.APIKey == "" {
		fmt.Printf("    %-10s NO API KEY (set MAESTRO_%s_API_KEY)\n", "Status:", envSuffix(cfg.Agent.Provider))
	} else {
		fmt.Printf("    %-10s key configured\n", "Status:")
	}

	fmt.Println()
	fmt.Println("  Shell:")
	if shell.NewTmux().Available() {
		fmt.Printf("    %-10s found\n", "tmux:")
	} else {
		fmt.Printf("    %-10s NOT FOUND (bash tools need tmux on PATH)\n", "tmux:")
	}

	fmt.Println()
	fmt.Println("  Storage:")
	fmt.Printf("    %-12s %s\n", "Driver:", cfg.Store.Driver)
	fmt.Printf("    %-12s %s%s\n", "Store root:", cfg.Store.Root, checkWritable(cfg.Store.Root))
	fmt.Printf("    %-12s %s%s\n", "Workspaces:", cfg.Agent.WorkspaceRoot, checkWritable(cfg.Agent.WorkspaceRoot))

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-10s %s:%d\n", "Listen:", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Gateway.Token == "" {
		fmt.Printf("    %-10s none (local use only)\n", "Auth:")
	} else {
		fmt.Printf("    %-10s bearer token\n", "Auth:")
	}
}

// checkWritable verifies the directory accepts a throwaway file.
func checkWritable(dir string) string {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Sprintf(" (NOT WRITABLE: %s)", err)
	}
	marker := filepath.Join(dir, ".doctor-check")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return fmt.Sprintf(" (NOT WRITABLE: %s)", err)
	}
	os.Remove(marker)
	return " (OK)"
}

func envSuffix(provider string) string {
	if provider == "openai" {
		return "OPENAI"
	}
	return "ANTHROPIC"
}
