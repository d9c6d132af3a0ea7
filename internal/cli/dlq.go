package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clduab11/priceslash/internal/app"
)

var (
	dlqLimit int64
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Display dead-letter queue depth and recent entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dlqLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.DLQOptions{
			Limit: dlqLimit,
		}

		return getApp().ShowDeadLetters(cmd.Context(), opts)
	},
}

func init() {
	dlqCmd.Flags().Int64Var(&dlqLimit, "limit", 20, "Number of dead letters to display per stream")
}
