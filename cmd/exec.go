package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/luma/redwire/client"
	"github.com/luma/redwire/protocol"
)

func init() {
	// Everything after the command name is an argument, e.g. INCRBY n -1
	ExecCmd.Flags().SetInterspersed(false)
}

var ExecCmd = &cobra.Command{
	Use:   "exec [command] [args...]",
	Short: "Run one command and print the reply",
	Long: `Run one command and print the reply

Streaming commands (SUBSCRIBE, PSUBSCRIBE and MONITOR) print every value the
server pushes until interrupted. Those reads are not subject to --timeout.

Flags go before the command. Anything after it, dashes included, is sent as
an argument.

Usage
	redwire exec SET greeting hello
	redwire exec --addr 10.0.0.7:6379 GET greeting
	redwire exec PSUBSCRIBE 'news.*'

`,
	Args: cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer signalStop()

		options := client.Options{
			Timeout: conf.Timeout,
			Log:     log.Named("client"),
		}

		streaming := protocol.IsStreaming(args[0])
		if streaming {
			options.Timeout = 0
		}

		conn, err := client.Dial(ctx, conf.Addr, options)
		if err != nil {
			return err
		}
		defer conn.Close()

		cmdArgs := make([]interface{}, 0, len(args)-1)
		for _, arg := range args[1:] {
			cmdArgs = append(cmdArgs, arg)
		}

		result, err := conn.Do(ctx, args[0], cmdArgs...)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()

		if result.Stream == nil {
			fmt.Fprintln(out, result.Value)
			return nil
		}

		for {
			v, err := result.Stream.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					// Interrupted
					return nil
				}

				return err
			}

			fmt.Fprintln(out, v)
		}
	},
}
