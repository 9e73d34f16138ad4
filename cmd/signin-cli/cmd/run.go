package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <plugin>",
	Short: "Runs a plugin now and waits for it to finish.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := client.Run(cmd.Context(), args[0])
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s finished\n", args[0])
	},
}
