package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/exparo/exparo/internal/config"
	"github.com/exparo/exparo/internal/store"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "exparo",
	Short: "Administration tool for the exparo experimentation server",
	Long: `Exparo is a command-line tool for administering the exparo
experimentation server.

It provides commands for bootstrapping admin accounts and inspecting
projects directly against the configured store.

Examples:
  exparo createadmin admin@example.com
  exparo projects list
  exparo projects create "Mobile app" --owner admin@example.com`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// openStore builds the store from the same configuration the server uses.
func openStore(ctx context.Context) (store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return store.NewStore(ctx, cfg.StoreType, cfg.DatabaseDSN)
}
