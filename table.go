package main

import (
	"fmt"
	"path/filepath"

	"ffqueue/task"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// renderSummary lists every task with its final status.
func renderSummary(tasks []task.Task) string {
	if len(tasks) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "Input", "Output", "Duration", "Status"})
	for i, t := range tasks {
		tw.AppendRow(table.Row{
			fmt.Sprintf("%d", i+1),
			filepath.Base(t.Params.Source),
			t.Params.Destination,
			t.Duration.String(),
			string(t.Status),
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

func countStatus(tasks []task.Task, status task.Status) int {
	n := 0
	for _, t := range tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}
