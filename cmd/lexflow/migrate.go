package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"lexflow/config"
	"lexflow/db"
)

func migrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL migrations in lexical order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			pool, err := db.NewPool(cmd.Context(), cfg.Database.URL, 1)
			if err != nil {
				return err
			}
			defer pool.Close()

			entries, err := os.ReadDir(dir)
			if err != nil {
				return fmt.Errorf("read migrations dir: %w", err)
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

			for _, e := range entries {
				if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
					continue
				}
				data, err := os.ReadFile(filepath.Join(dir, e.Name()))
				if err != nil {
					return fmt.Errorf("read %s: %w", e.Name(), err)
				}
				if _, err := pool.Exec(cmd.Context(), string(data)); err != nil {
					return fmt.Errorf("apply %s: %w", e.Name(), err)
				}
				fmt.Printf("applied %s\n", e.Name())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "migrations", "directory holding *.sql migration files")
	return cmd
}
