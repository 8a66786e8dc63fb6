package commands

import (
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "tidemqd",
	Short: "tidemq is an MQTT 3.1.1/5.0 broker",
	Long: `tidemqd runs a standalone tidemq broker process.

Configuration is loaded from a YAML file (--config), TIDEMQ_-prefixed
environment variables, and command-line flags, in that order of
increasing precedence.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionCmd)
}
