package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/wikiedu/wikitrack/internal/storage/backend"
)

var migrateCmd = &cobra.Command{
	Use:         "migrate",
	Short:       "Create or upgrade the database schema",
	Annotations: map[string]string{skipStore: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := backend.Migrate(cmd.Context(), &cfg.Database)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s %s schema at version %d\n", green("✓"), cfg.Database.Backend, version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
