package main

import (
	"github.com/ottermq/ottermon/config"
	"github.com/ottermq/ottermon/pkg/logger"
	"github.com/spf13/cobra"
)

// options are the flags shared by every subcommand. Flags win over the
// environment when set.
type options struct {
	cfg      *config.Config
	embedded bool
	logLevel string
}

func newRootCmd(version string) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "ottermon",
		Short:         "Monitor broker destinations and drive request/reply flows",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			opts.cfg = config.LoadConfig(version)
			if cmd.Flags().Changed("embedded") {
				opts.cfg.Embedded = opts.embedded
			}
			if cmd.Flags().Changed("log-level") {
				opts.cfg.LogLevel = opts.logLevel
			}
			logger.Init(opts.cfg.LogLevel)
		},
	}
	root.PersistentFlags().BoolVar(&opts.embedded, "embedded", false, "use an in-process broker instead of AMQP")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(opts), newTerminatorCmd(opts), newCallCmd(opts))
	return root
}
