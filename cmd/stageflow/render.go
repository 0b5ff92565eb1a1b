package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"

	"github.com/utkarsh5026/stageflow/pipeline"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	successColor = color.New(color.FgGreen, color.Bold)
	warnColor    = color.New(color.FgYellow)
)

func newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionEnableColorCodes(true),
	)
}

// printStageTable writes one row per stage in registration order.
func printStageTable(w io.Writer, stats []pipeline.StageStats) {
	table := tablewriter.NewWriter(w)
	table.Header("Stage", "Workers", "Queued", "Pushed", "Handled", "Rejected", "Full", "Forwarded", "Fwd Rejected", "Timeouts", "Panics")

	for _, st := range stats {
		_ = table.Append([]string{
			st.Name,
			fmt.Sprint(st.Workers),
			fmt.Sprintf("%d/%d", st.Queued, st.Capacity),
			fmt.Sprint(st.Pushed),
			fmt.Sprint(st.Handled),
			fmt.Sprint(st.Rejected),
			fmt.Sprint(st.FullEpisodes),
			fmt.Sprint(st.Forwarded),
			fmt.Sprint(st.ForwardRejected),
			fmt.Sprint(st.Timeouts),
			fmt.Sprint(st.HookPanics),
		})
	}

	_ = table.Render()
}

func printSummary(w io.Writer, tasks int, elapsed time.Duration, lost int64) {
	_, _ = headerColor.Fprintln(w, "\nSummary")
	rate := float64(tasks) / elapsed.Seconds()
	_, _ = successColor.Fprintf(w, "  %d tasks in %v (%.0f tasks/sec)\n", tasks, elapsed.Round(time.Millisecond), rate)
	if lost > 0 {
		_, _ = warnColor.Fprintf(w, "  %d tasks rejected by full queues\n", lost)
	}
}
