// Package cli is the operator's command line over the service operations.
package cli

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "config.yaml"

// NewRootCmd creates the larder command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "larder",
		Short:         "Supplier ordering automation",
		Long:          `larder signs in to wholesale supplier websites, imports their catalogs and lists, fills carts and places orders.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().String("config", defaultConfigPath, "Path to configuration file")
	cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	cmd.PersistentFlags().Bool("pretty", false, "Human-readable log output")

	cmd.AddCommand(
		NewMigrateCmd(),
		NewCredentialCmd(),
		NewValidateCmd(),
		NewScrapeCmd(),
		NewListsCmd(),
		NewOrderCmd(),
		NewSubmitCodeCmd(),
		NewCancelCodeCmd(),
		NewSweepCmd(),
		NewDisconnectCmd(),
		NewLogsCmd(),
	)
	return cmd
}
