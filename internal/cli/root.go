package cli

import (
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "platepal",
	Short: "Platepal - AI meal tracking coach",
	Long: `Platepal is a meal and weight tracking coach backed by a remote
assistant service. It keeps one conversation per user, runs the coach's
tool calls against the local food journal and serves the conversation
over HTTP and websocket.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.platepal/platepal.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config file")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
