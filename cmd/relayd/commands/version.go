package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the relayd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("relayd", Version)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
