package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/progress"
)

// runStatus reports on the check that owns the PID file, if any
func runStatus(w io.Writer) error {
	pid, err := ReadPIDFile()
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(w, "💤 No check is running")
			return nil
		}
		return err
	}

	if !IsProcessRunning(pid) {
		fmt.Fprintf(w, "⚠️  Stale PID file for process %d (not running)\n", pid)
		return nil
	}

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Check running (PID %d)", pid)))

	info, err := ReadTaskInfo()
	if err != nil {
		fmt.Fprintln(w, "   No task information available yet")
		return nil //nolint:nilerr // the task file appears after startup
	}

	fmt.Fprintf(w, "   Run:      %s\n", info.RunID)
	fmt.Fprintf(w, "   Started:  %s (%s ago)\n", info.StartTime.Format("2006-01-02 15:04:05"), time.Since(info.StartTime).Round(time.Second))
	fmt.Fprintf(w, "   Task:     %s\n", info.CurrentTask)
	if info.CurrentMapping != "" {
		fmt.Fprintf(w, "   Mappings: %s\n", info.CurrentMapping)
	}
	if info.TotalMappings > 0 {
		bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(40))
		fmt.Fprintf(w, "   Progress: %s %d/%d\n", bar.ViewAs(info.Progress), info.CompletedMappings, info.TotalMappings)
	}
	fmt.Fprintf(w, "   Missing:  %d\n", info.Problems)
	fmt.Fprintln(w, infoStyle.Render(fmt.Sprintf("   Updated %s ago", time.Since(info.LastUpdate).Round(time.Second))))
	return nil
}
