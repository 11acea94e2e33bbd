package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/corebank/ledgerd/internal/storage/tenant"
)

var rotateKeyFile string

// rotateKeyCmd re-encrypts every PII field of every tenant under new key
// material. The job is restartable; rerunning after a crash skips records
// already sealed under the new key.
var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Re-encrypt stored PII under new key material",
	RunE:  runRotateKey,
}

func init() {
	rootCmd.AddCommand(rotateKeyCmd)
	rotateKeyCmd.Flags().StringVar(&rotateKeyFile, "new-key-file", "", "file holding the new key material (required)")
	rotateKeyCmd.MarkFlagRequired("new-key-file")
}

func runRotateKey(cmd *cobra.Command, args []string) error {
	material, err := os.ReadFile(rotateKeyFile)
	if err != nil {
		return fmt.Errorf("reading key material: %w", err)
	}
	material = []byte(strings.TrimSpace(string(material)))

	svc, _, err := loadService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := tenant.WithCrossTenant(context.Background())
	report, err := svc.RotateKey(ctx, material)
	if err != nil {
		return err
	}

	fmt.Printf("rotated %d fields across %d records (%d already current)\n",
		report.RotatedFields, report.RotatedRecords, report.Skipped)
	if len(report.Errors) > 0 {
		for _, e := range report.Errors {
			fmt.Fprintln(os.Stderr, "error:", e)
		}
		return fmt.Errorf("rotation finished with %d errors; rerun to retry", len(report.Errors))
	}
	return nil
}
