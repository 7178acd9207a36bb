package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Agent-to-agent communication relay",
	Long:  "A protocol hub for agent-to-agent messaging with resumable push streams and a two-endpoint bridge mode.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
