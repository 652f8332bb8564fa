package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagTransport string
	flagLocalIP   string
	flagTapIf     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bluerdmad",
		Short: "Driver-side harness for the software-emulated RDMA device",
		Long: `bluerdmad drives a Device entirely through its CSR space and ring
buffers, the way a real RDMA driver would, for manual smoke-testing
without any actual hardware or guest driver involved.`,
	}

	rootCmd.PersistentFlags().StringVar(&flagTransport, "transport", "loopback", "transport backend: loopback, udp or tap")
	rootCmd.PersistentFlags().StringVar(&flagLocalIP, "local-ip", "", "local IP to configure via SetNetworkParam before the command runs")
	rootCmd.PersistentFlags().StringVar(&flagTapIf, "tap-if", "", "TAP interface name, required when --transport=tap")

	rootCmd.AddCommand(
		newResetCommand(),
		newLoadMrCommand(),
		newPostSendCommand(),
		newServeCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
