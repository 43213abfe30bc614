package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/lowkeylabs/maestro/internal/config"
	"github.com/lowkeylabs/maestro/internal/events"
	"github.com/lowkeylabs/maestro/internal/session"
	"github.com/lowkeylabs/maestro/internal/shell"
	"github.com/lowkeylabs/maestro/internal/tools"
)

func runCmd() *cobra.Command {
	var (
		sessionID  string
		unattended bool
	)
	cmd := &cobra.Command{
		Use:   "run [instruction]",
		Short: "Run one instruction in-process, without the gateway",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runOneShot(args[0], sessionID, unattended)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume an existing session instead of creating one")
	cmd.Flags().BoolVarP(&unattended, "yes", "y", false, "skip tool confirmations")
	return cmd
}

func runOneShot(instruction, sessionID string, unattended bool) {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if unattended {
		cfg.Tools.Unattended = true
	}

	client, err := newLLMClient(cfg)
	if err != nil {
		slog.Error("failed to build LLM client", "error", err)
		os.Exit(1)
	}
	store, closeStore, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	mux := shell.NewTmux()
	if !mux.Available() {
		slog.Warn("tmux not found on PATH; shell tools will fail until it is installed")
	}

	manager := session.NewManager(cfg, client, store, mux, terminalConfirmerFactory)
	defer manager.CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sess *session.Session
	if sessionID != "" {
		sess, err = manager.Resume(ctx, sessionID)
	} else {
		sess, err = manager.Create(ctx)
	}
	if err != nil {
		slog.Error("failed to open session", "error", err)
		os.Exit(1)
	}

	ch := sess.Stream.Subscribe("cli")
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for ev := range ch {
			renderEvent(os.Stderr, ev)
		}
	}()

	final, err := manager.Submit(ctx, sess.ID, instruction, nil)
	sess.Stream.Unsubscribe("cli")
	<-rendered

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "\nsession: %s\n", sess.ID)
	fmt.Println(final)
}

// terminalConfirmerFactory is the session.ConfirmerFactory for in-process
// runs: confirmations come up as terminal forms instead of gateway frames.
func terminalConfirmerFactory(sessionID string, stream *events.Stream) tools.Confirmer {
	return terminalConfirmer{}
}

type terminalConfirmer struct{}

func (terminalConfirmer) Confirm(ctx context.Context, req tools.ConfirmRequest) (tools.ConfirmResponse, error) {
	title := fmt.Sprintf("Allow tool call %s?", req.ToolName)
	description := req.Detail
	if description == "" {
		description = clipLine(fmt.Sprintf("%v", req.Args))
	}

	var choice string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(title).
			Description(description).
			Options(
				huh.NewOption("Allow once", "allow"),
				huh.NewOption("Always allow "+req.ToolName, "always"),
				huh.NewOption("Allow everything this session", "all"),
				huh.NewOption("Deny", "deny"),
			).
			Value(&choice),
	))
	if err := form.RunWithContext(ctx); err != nil {
		return tools.ConfirmResponse{}, err
	}

	switch choice {
	case "allow":
		return tools.ConfirmResponse{Decision: tools.DecisionAllow}, nil
	case "always":
		return tools.ConfirmResponse{Decision: tools.DecisionAlwaysTool}, nil
	case "all":
		return tools.ConfirmResponse{Decision: tools.DecisionAllowAll}, nil
	}

	var alternative string
	input := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("What should the agent do instead? (optional)").
			Value(&alternative),
	))
	if err := input.RunWithContext(ctx); err != nil {
		return tools.ConfirmResponse{}, err
	}
	return tools.ConfirmResponse{Decision: tools.DecisionDeny, Alternative: alternative}, nil
}
