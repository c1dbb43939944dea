// Command alef runs the voice turn server for the Alef reading game and a
// few tools that drive it from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/alef/internal/logging"
)

type rootOptions struct {
	logLevel  string
	logFormat string
	logFile   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "alef",
		Short:         "Voice turn server for the Alef letter character",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Flags win over LOG_LEVEL/LOG_FORMAT/LOG_FILE.
			return logging.Init(logging.Options{
				Level:  flagOrEnv(cmd, "log-level", opts.logLevel, "LOG_LEVEL"),
				Format: flagOrEnv(cmd, "log-format", opts.logFormat, "LOG_FORMAT"),
				File:   flagOrEnv(cmd, "log-file", opts.logFile, "LOG_FILE"),
			})
		},
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "json", "log format (json, text)")
	root.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "also write logs to this rotated file")

	root.AddCommand(newServeCmd(), newTurnCmd(), newProbeCmd())
	return root
}

func flagOrEnv(cmd *cobra.Command, name, value, env string) string {
	if cmd.Flags().Changed(name) {
		return value
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return value
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "alef: %v\n", err)
		os.Exit(1)
	}
}
