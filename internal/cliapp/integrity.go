package cliapp

import (
	"fmt"

	"github.com/spf13/cobra"
)

var integrityCmd = &cobra.Command{
	Use:   "integrity-check",
	Short: "Traverse every Task output Resource and FileResource, reporting stale or missing ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := sys.IntegrityCheck()
		if err != nil {
			return err
		}
		fmt.Printf("vault missing: %d, file changed: %d, file missing: %d\n",
			len(report.VaultMissing), len(report.FileResourceChanged), len(report.FileResourceMissing))
		for _, id := range report.VaultMissing {
			fmt.Println("  vault-missing:", id)
		}
		for _, id := range report.FileResourceChanged {
			fmt.Println("  file-changed:", id)
		}
		for _, id := range report.FileResourceMissing {
			fmt.Println("  file-missing:", id)
		}
		if len(report.VaultMissing)+len(report.FileResourceChanged)+len(report.FileResourceMissing) > 0 {
			return fmt.Errorf("integrity check found problems")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(integrityCmd)
}
