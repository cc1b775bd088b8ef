package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/airframesio/data-checker/cmd/reconcile"
)

// CheckSummary is the end-of-run report
type CheckSummary struct {
	RunID     string           `json:"run_id"`
	StartTime time.Time        `json:"start_time"`
	Duration  string           `json:"duration"`
	Mappings  int              `json:"mappings"`
	Missing   int64            `json:"missing"`
	Failed    int              `json:"failed"`
	Clean     bool             `json:"clean"`
	Archives  []string         `json:"archives,omitempty"`
	Results   []MappingSummary `json:"results"`
}

type MappingSummary struct {
	Source          string `json:"source"`
	Destination     string `json:"destination"`
	Chunks          int    `json:"chunks"`
	SourceRows      int64  `json:"source_rows"`
	DestinationRows int64  `json:"destination_rows"`
	Missing         int64  `json:"missing"`
	Retries         int    `json:"retries"`
	Duration        string `json:"duration"`
	Error           string `json:"error,omitempty"`
}

func buildSummary(runID string, started time.Time, s *reconcile.Summary, archives []string) CheckSummary {
	out := CheckSummary{
		RunID:     runID,
		StartTime: started,
		Duration:  time.Since(started).Round(time.Millisecond).String(),
		Mappings:  len(s.Results),
		Missing:   s.Problems,
		Failed:    s.Failed,
		Clean:     s.Clean(),
		Archives:  archives,
		Results:   make([]MappingSummary, 0, len(s.Results)),
	}
	for _, r := range s.Results {
		ms := MappingSummary{
			Source:          r.Mapping.Source.String(),
			Destination:     r.Mapping.Destination.String(),
			Chunks:          r.Stats.Chunks,
			SourceRows:      r.Stats.SourceRows,
			DestinationRows: r.Stats.DestinationRows,
			Missing:         r.Stats.Missing,
			Retries:         r.Stats.Retries,
			Duration:        r.Duration.Round(time.Millisecond).String(),
		}
		if r.Err != nil {
			ms.Error = r.Err.Error()
		}
		out.Results = append(out.Results, ms)
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// writeSummary renders the summary as text or JSON
func writeSummary(w io.Writer, format string, s CheckSummary) error {
	if format == "json" {
		return writeJSON(w, s)
	}

	var b strings.Builder
	b.WriteString("\n📊 Check Summary\n")
	b.WriteString(strings.Repeat("━", 31) + "\n")
	fmt.Fprintf(&b, "Run:      %s\n", s.RunID)
	fmt.Fprintf(&b, "Duration: %s\n", s.Duration)
	fmt.Fprintf(&b, "Mappings: %d (%d failed)\n", s.Mappings, s.Failed)
	fmt.Fprintf(&b, "Missing:  %d\n\n", s.Missing)

	for _, r := range s.Results {
		status := "✅"
		switch {
		case r.Error != "":
			status = "❌"
		case r.Missing > 0:
			status = "⚠️ "
		}
		fmt.Fprintf(&b, "%s %s → %s: %d chunk(s), %d source rows, %d destination rows, %d missing (%s)\n",
			status, r.Source, r.Destination, r.Chunks, r.SourceRows, r.DestinationRows, r.Missing, r.Duration)
		if r.Error != "" {
			fmt.Fprintf(&b, "   error: %s\n", r.Error)
		}
	}

	if len(s.Archives) > 0 {
		b.WriteString("\nArchives:\n")
		for _, a := range s.Archives {
			fmt.Fprintf(&b, "   %s\n", a)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
