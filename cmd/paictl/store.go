package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pai-dev/orchestrator/internal/config"
	"github.com/pai-dev/orchestrator/pkg/store"
)

func newStoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage the orchestrator's on-disk store",
	}
	cmd.AddCommand(newStoreInitCommand())
	cmd.AddCommand(newStoreReindexCommand())
	return cmd
}

func newStoreInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or open the store, applying any pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			dbPath := filepath.Join(cfg.StoreDir, "pai.db")
			s, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("paictl: store init: %w", err)
			}
			defer s.Close()

			return printResult(cmd, map[string]string{"path": s.Path()}, func() {
				printf("store ready at %s\n", s.Path())
			})
		},
	}
}

func newStoreReindexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the event log's full-text search index from scratch",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.RebuildIndex(); err != nil {
				return fmt.Errorf("paictl: store reindex: %w", err)
			}

			return printResult(cmd, map[string]string{"status": "rebuilt"}, func() {
				printf("index rebuilt\n")
			})
		},
	}
}
