package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(commandCmd)
}

var commandCmd = &cobra.Command{
	Use:   "cmd <plugin> [args...]",
	Short: "Sends a chat-style command to a plugin, e.g. `cmd xiaomi list`.",
	Args:  cobra.MinimumNArgs(1),
	// plugin arguments like -1 are not flags
	DisableFlagParsing: true,
	Run: func(cmd *cobra.Command, args []string) {
		out, err := client.Command(cmd.Context(), args[0], args[1:])
		if err != nil {
			fail(err)
		}
		fmt.Println(out)
	},
}
