package cliapp

import (
	"fmt"

	"github.com/spf13/cobra"

	"pipeweave/internal/model"
	"pipeweave/internal/query"
)

var queryPipeID string

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search Tasks by Pipe identity (spec §4.9)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if queryPipeID == "" {
			return fmt.Errorf("--pipe is required")
		}
		ids, err := sys.Query.Search(query.ByPipe([]model.ID{model.ID(queryPipeID)}, nil))
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryPipeID, "pipe", "", "Pipe id to filter Tasks by")
	rootCmd.AddCommand(queryCmd)
}
