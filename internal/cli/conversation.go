package cli

import (
	"fmt"

	"github.com/harun/platepal/internal/observability"
	"github.com/spf13/cobra"
)

var (
	convUser string
	wipeYes  bool
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Start a fresh conversation",
	Long: `Forget the current conversation and start a fresh one with the same
coach personality. Logged meals and weights are kept.`,
	RunE: runClear,
}

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete all data stored for a user",
	Long: `Delete the user's conversation, session binding and food journal.
This cannot be undone.`,
	RunE: runWipe,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the conversation transcript",
	RunE:  runHistory,
}

func init() {
	for _, cmd := range []*cobra.Command{clearCmd, wipeCmd, historyCmd} {
		cmd.Flags().StringVar(&convUser, "user", defaultUser(), "user id")
		rootCmd.AddCommand(cmd)
	}
	wipeCmd.Flags().BoolVar(&wipeYes, "yes", false, "confirm deletion")
}

func runClear(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	conv, err := a.manager.Clear(cmd.Context(), convUser)
	observability.RecordDataAudit(cmd.Context(), "conversation.reset", convUser, err, map[string]interface{}{"via": "cli"})
	if conv == nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	c := &chatSession{out: cmd.OutOrStdout()}
	c.print(conv.Messages)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "! %s\n", userMessage(err))
	}
	return nil
}

func runWipe(cmd *cobra.Command, args []string) error {
	if !wipeYes {
		return fmt.Errorf("refusing to delete data for %q without --yes", convUser)
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	err = a.manager.WipeAll(cmd.Context(), convUser)
	observability.RecordDataAudit(cmd.Context(), "conversation.wipe", convUser, err, map[string]interface{}{"via": "cli"})
	if err != nil {
		return fmt.Errorf("failed to wipe user data: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "All data for %s deleted.\n", convUser)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	messages, err := a.manager.Transcript(cmd.Context(), convUser)
	c := &chatSession{out: cmd.OutOrStdout()}
	c.print(messages)
	if err != nil {
		return fmt.Errorf("failed to load transcript: %w", err)
	}
	return nil
}

// openApp loads and validates the config, then wires the engine with file
// logging only.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w (run: platepal configure)", err)
	}
	return newApp(cmd.Context(), cfg, appOptions{})
}
