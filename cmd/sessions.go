package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/lowkeylabs/maestro/internal/config"
	"github.com/lowkeylabs/maestro/internal/state"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored sessions",
			Run: func(cmd *cobra.Command, args []string) {
				withStore(func(store state.Store) error { return listSessions(store) })
			},
		},
		&cobra.Command{
			Use:   "show [id]",
			Short: "Show one session's metadata and history size",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				withStore(func(store state.Store) error { return showSession(store, args[0]) })
			},
		},
		&cobra.Command{
			Use:   "delete [id]",
			Short: "Delete a stored session record",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				withStore(func(store state.Store) error { return store.Delete(args[0]) })
			},
		},
	)
	return cmd
}

func withStore(fn func(state.Store) error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	store, closeStore, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	if err := fn(store); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func listSessions(store state.Store) error {
	metas, err := store.List()
	if err != nil {
		return err
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Updated.After(metas[j].Updated) })

	if len(metas) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, m := range metas {
		fmt.Printf("%s  %s  %s\n", m.ID, m.Updated.Format("2006-01-02 15:04"), clipLine(m.Title))
	}
	return nil
}

func showSession(store state.Store, id string) error {
	rec, err := store.Load(id)
	if err != nil {
		return err
	}
	m := rec.Metadata
	fmt.Printf("ID:          %s\n", m.ID)
	fmt.Printf("Title:       %s\n", m.Title)
	fmt.Printf("Workspace:   %s\n", m.WorkspacePath)
	fmt.Printf("Created:     %s\n", m.Created.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:     %s\n", m.Updated.Format("2006-01-02 15:04:05"))
	fmt.Printf("Messages:    %d (%d turns)\n", len(rec.Messages), rec.Turns)
	fmt.Printf("Compactions: %d\n", m.Compactions)
	if m.AllowAll {
		fmt.Printf("Allowances:  all tools\n")
	} else if len(m.AllowedTools) > 0 {
		fmt.Printf("Allowances:  %v\n", m.AllowedTools)
	}
	return nil
}
