package cli

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corebank/ledgerd/internal/events"
)

// serverCmd runs the daemon until interrupted. The HTTP/gRPC surface is a
// collaborator process; this process owns storage, the engines and the
// event bus.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the ledgerd daemon",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Running ledgerd with no subcommand starts the daemon.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return serverCmd.RunE(cmd, args)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	svc, cfg, err := loadService()
	if err != nil {
		return err
	}
	defer svc.Close()

	if !quiet {
		fmt.Printf("ledgerd %s\n", rootCmd.Version)
		fmt.Printf("  storage:    %s", cfg.Storage.Backend)
		if cfg.Storage.Path != "" {
			fmt.Printf(" (%s)", cfg.Storage.Path)
		}
		fmt.Println()
		fmt.Printf("  isolation:  %s\n", cfg.TenantIsolation)
		fmt.Printf("  encryption: %s\n", cfg.EncryptionProvider)
	}

	svc.Bus().SubscribeAll(func(ev events.Event) error {
		if !quiet {
			log.Printf("event %s tenant=%s %s/%s", ev.Kind, ev.Tenant, ev.EntityKind, ev.EntityID)
		}
		return nil
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	if !quiet {
		log.Printf("received %s, shutting down", sig)
	}
	return nil
}
