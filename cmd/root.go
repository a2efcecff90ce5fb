package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/redwire/cmd/gen"
	"github.com/luma/redwire/internal/env"
)

var (
	// Set up by RootCmd before any subcommand runs
	conf *env.Config
	log  *zap.Logger

	// Flags that override conf
	addr     string
	timeout  time.Duration
	logLevel string
)

var RootCmd = &cobra.Command{
	Use:   "redwire",
	Short: "A RESP2 client and development server",
	Long: `A RESP2 client and development server

Configuration is read from .env.local and the environment (REDWIRE_*),
flags take precedence.`,
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		conf, err = env.LoadConfig(context.Background())
		if err != nil {
			return err
		}

		flags := cmd.Flags()

		if flags.Changed("addr") {
			conf.Addr = addr
		}

		if flags.Changed("timeout") {
			conf.Timeout = timeout
		}

		if flags.Changed("log-level") {
			conf.LogLevel = logLevel
		}

		log, err = env.MakeLogger(conf.LogLevel)
		return err
	},

	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	flags := RootCmd.PersistentFlags()

	flags.StringVar(&addr, "addr", "127.0.0.1:6379", "The server to connect to")
	flags.DurationVar(&timeout, "timeout", 0, "Timeout for each call, 0 means none")
	flags.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")

	RootCmd.AddCommand(ExecCmd)
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

// Execute runs the CLI and exits non zero on failure.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
