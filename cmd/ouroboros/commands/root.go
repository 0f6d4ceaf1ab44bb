package commands

import (
	"github.com/spf13/cobra"
)

var conf = NewDefaultCLIConfig()

// RootCmd is the root command for the ouroboros binary.
var RootCmd = &cobra.Command{
	Use:   "ouroboros",
	Short: "Ouroboros ring node",
	Long:  "Ouroboros runs TCP nodes stitched into a ring, circulating messages and walking the full loop.",
}

func init() {
	RootCmd.PersistentFlags().StringP("datadir", "d", conf.Node.DataDir, "Top-level directory for node data")
	RootCmd.PersistentFlags().String("log", conf.Node.LogLevel, "Log level (debug, info, warn, error, fatal, panic)")
}
