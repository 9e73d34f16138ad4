package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(pageCmd)
}

var pageCmd = &cobra.Command{
	Use:   "page <plugin>",
	Short: "Prints the history page of a plugin.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		page, err := client.Page(cmd.Context(), args[0])
		if err != nil {
			fail(err)
		}

		for _, line := range page.Summary {
			fmt.Println(line)
		}

		t := newTable()
		t.SetTitle(page.Title)
		header := table.Row{}
		for _, col := range page.Columns {
			header = append(header, col)
		}
		t.AppendHeader(header)
		for _, r := range page.Rows {
			row := make(table.Row, len(r))
			for i, cell := range r {
				row[i] = cell
			}
			t.AppendRow(row)
		}
		t.Render()
	},
}
