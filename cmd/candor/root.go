package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the Candor CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "candor",
		Short: "Candor - real-time chat server",
		Long: `Candor is a real-time chat backend serving WebSocket clients,
with PostgreSQL persistence and Prometheus observability.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (also CANDOR_CONFIG)")

	// Add subcommands
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}
