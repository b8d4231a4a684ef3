package main

import (
	"github.com/spf13/cobra"

	"sentencemix/internal/platform/config"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var portFlag string
	var logLevelFlag string

	rootCmd := &cobra.Command{
		Use:           "sentencemixd",
		Short:         "Collaborative sentence mixing server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFlag)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = portFlag
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevelFlag
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	rootCmd.Flags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (TOML)")
	rootCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Listen port (overrides PORT)")
	rootCmd.Flags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")

	return rootCmd
}
