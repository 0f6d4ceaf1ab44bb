package main

import (
	"os"

	cmd "github.com/adamjohannes/ouroboros/cmd/ouroboros/commands"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.VersionCmd,
		cmd.NewRunCmd(),
		cmd.NewNetworkCmd())

	//Do not print usage when error occurs
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
