package cmd

import (
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(pluginsCmd)
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Prints the registered plugins and their queued jobs.",
	Run: func(cmd *cobra.Command, args []string) {
		infos, err := client.Plugins(cmd.Context())
		if err != nil {
			fail(err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"ID", "Name", "Enabled", "Jobs"})
		for _, info := range infos {
			jobs := make([]string, len(info.Jobs))
			for i, job := range info.Jobs {
				jobs[i] = job.Name + " @ " + job.Next.Format(time.DateTime)
			}
			t.AppendRow(table.Row{info.ID, info.Name, info.Enabled, strings.Join(jobs, "\n")})
		}
		t.Render()
	},
}
