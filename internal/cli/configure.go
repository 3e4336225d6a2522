package cli

import (
	"context"
	"fmt"

	"github.com/harun/platepal/internal/config"
	"github.com/harun/platepal/internal/observability"
	"github.com/spf13/cobra"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to set up Platepal.
The wizard asks for the OpenAI API key, model, default coach personality,
storage backend and server port.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	base, err := loader.Load()
	if err != nil {
		base = config.DefaultConfig()
	}

	wizard := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout())
	cfg, err := wizard.Run(base)
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	configPath := loader.GetConfigPath()
	if cfg.AuditFile != "" && initAudit(cfg.AuditFile) == nil {
		observability.RecordConfigAudit(context.Background(), "configure", "cli", map[string]interface{}{
			"path":    configPath,
			"storage": cfg.Storage.Backend,
			"model":   cfg.OpenAI.Model,
		})
		_ = observability.GetAuditLogger().Close()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nConfiguration saved to: %s\n", configPath)
	fmt.Fprintln(cmd.OutOrStdout(), "\nYou can now start chatting with: platepal chat")
	return nil
}
