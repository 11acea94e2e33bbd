// Package cli implements the ledgerd command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/corebank/ledgerd/internal/config"
	"github.com/corebank/ledgerd/internal/service"
)

var (
	// Global flags
	configFile string
	quiet      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ledgerd",
	Short: "ledgerd - multi-tenant core banking transaction engine",
	Long: `ledgerd is the transactional core of a multi-tenant banking platform:
a double-entry ledger with a hash-chained audit trail, loan and revolving
credit engines, and tenant-isolated encrypted storage. Collaborating
services (HTTP surface, Kafka bridges, notification engines) attach to
its APIs and event bus.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It is called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
}

// loadService builds the assembled core from the configured backend.
func loadService() (*service.Service, *config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	svc, err := service.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}
