package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the kiln version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("kiln %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
