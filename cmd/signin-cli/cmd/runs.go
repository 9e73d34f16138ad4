package cmd

import (
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var runsLimit int

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "how many runs to show")
	rootCmd.AddCommand(runsCmd)
}

var runsCmd = &cobra.Command{
	Use:   "runs <plugin>",
	Short: "Prints the most recent runs of a plugin.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runs, err := client.Runs(cmd.Context(), args[0], runsLimit)
		if err != nil {
			fail(err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Trigger", "Started", "Took", "Error"})
		for _, r := range runs {
			t.AppendRow(table.Row{
				r.Trigger,
				r.StartedAt.Format(time.DateTime),
				r.FinishedAt.Sub(r.StartedAt).String(),
				r.Error,
			})
		}
		t.Render()
	},
}
