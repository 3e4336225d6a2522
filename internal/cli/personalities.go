package cli

import (
	"github.com/spf13/cobra"
)

var personalitiesCmd = &cobra.Command{
	Use:   "personalities",
	Short: "List coach personalities",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		printPersonalities(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(personalitiesCmd)
}
