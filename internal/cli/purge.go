package cli

import (
	"fmt"

	"github.com/harun/platepal/internal/observability"
	"github.com/spf13/cobra"
)

var purgeYes bool

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove every cached conversation on this device",
	Long: `Remove every transcript, session record and active pointer from the
conversation cache. Profiles and food journals are kept, so the next
conversation is restored from the remote service when possible.`,
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().BoolVar(&purgeYes, "yes", false, "confirm the purge")
	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, args []string) error {
	if !purgeYes {
		return fmt.Errorf("refusing to purge the cache without --yes")
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	removed, err := a.manager.Purge(cmd.Context())
	observability.RecordDataAudit(cmd.Context(), "cache.purge", "cli", err, map[string]interface{}{"removed": removed})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cache entries.\n", removed)
	return nil
}
