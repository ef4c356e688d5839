package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var logLevel string
	var logJSON bool

	ctx := newCommandContext(&logLevel, &logJSON)

	rootCmd := &cobra.Command{
		Use:           "stagegraph",
		Short:         "Stage-graph pipeline engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit JSON logs")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newInspectCommand(ctx))
	rootCmd.AddCommand(newServeCommand(ctx))

	return rootCmd
}
