package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "botcareu-client",
	Short:        "BotCareU realtime client",
	Long:         `Command line client for the BotCareU alert service: follows devices over the realtime gateway and reconciles with polled snapshots`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
