package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a Device until interrupted, for driving it from another process over the chosen transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagLocalIP == "" {
				return fmt.Errorf("bluerdmad: serve requires --local-ip")
			}
			h, err := newHarness(flagTransport, flagLocalIP, flagTapIf)
			if err != nil {
				return err
			}
			defer h.close()

			fmt.Fprintf(cmd.OutOrStdout(), "bluerdmad serving on %s via %s, ctrl-c to stop\n", flagLocalIP, flagTransport)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			fmt.Fprintln(cmd.OutOrStdout(), "stopping")
			return nil
		},
	}
}
