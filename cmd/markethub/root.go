package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "markethub",
		Short: "Market data distribution hub",
		Long: `markethub ingests delimiter-framed market data from upstream producers,
buffers each feed in a lock-free ring and fans transformed updates out to
TCP and WebSocket subscribers.

The serve command runs the hub; connect, disconnect, status, reset and
sessions talk to a running hub through its admin API.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newConnectCmd(),
		newDisconnectCmd(),
		newStatusCmd(),
		newResetCmd(),
		newSessionsCmd(),
	)
	return root
}
