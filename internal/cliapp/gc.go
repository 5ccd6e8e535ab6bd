package cliapp

import (
	"fmt"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Sweep vault entries no Resource references",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := sys.GarbageCollectVault()
		if err != nil {
			return err
		}
		fmt.Printf("removed %d vault entries, kept %d\n", len(result.Removed), result.Kept)
		for _, h := range result.Removed {
			fmt.Println("  -", h)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gcCmd)
}
