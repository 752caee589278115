package main

import (
	"fmt"
	"io"

	"ffqueue/config"
	"ffqueue/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:           "ffqueue",
		Short:         "Sequential ffmpeg conversion queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override FFQUEUE_LOG_LEVEL")

	rootCmd.AddCommand(newServeCommand(&logLevel))
	rootCmd.AddCommand(newConvertCommand(&logLevel))
	return rootCmd
}

// setup loads configuration and builds the logger both commands share.
func setup(logLevel string, logOut io.Writer) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	log, err := logging.New(cfg.LogLevel, logOut)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
