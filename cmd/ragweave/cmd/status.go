package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ragweave/ragweave/internal/progress"
	"github.com/ragweave/ragweave/internal/vector"
)

// statusReport is the aggregated view the status command prints.
type statusReport struct {
	Index       vector.Stats            `json:"index"`
	Consistency consistencySummary      `json:"consistency"`
	Progress    []progress.FileProgress `json:"progress,omitempty"`
	Pending     []string                `json:"pending,omitempty"`
	System      progress.SystemMetrics  `json:"system"`
	DocTypes    map[string]uint64       `json:"doc_types,omitempty"`
}

type consistencySummary struct {
	Checked int      `json:"checked"`
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index, pipeline, and resource status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			check := app.index.CheckConsistency(false)
			report := statusReport{
				Index: app.index.Stats(),
				Consistency: consistencySummary{
					Checked: check.Checked,
					Healthy: check.Healthy(),
					Issues:  check.Issues,
				},
				Progress: app.tracker.Snapshot(),
				Pending:  app.tracker.Pending(),
				System:   app.tracker.Metrics(),
				DocTypes: app.queries.DocTypeBreakdown(ctx),
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Fprintf(out, "Index:    %s, %d live vectors, %d deleted (%.1f%%), dim %d\n",
				report.Index.Variant, report.Index.Live, report.Index.Deleted,
				report.Index.DeletedRatio*100, report.Index.Dimension)
			if !report.Index.SavedAt.IsZero() {
				fmt.Fprintf(out, "Saved:    %s\n", report.Index.SavedAt.Format(time.RFC3339))
			}
			if report.Consistency.Healthy {
				fmt.Fprintf(out, "Health:   ok (%d vectors checked)\n", report.Consistency.Checked)
			} else {
				fmt.Fprintf(out, "Health:   %d issues\n", len(report.Consistency.Issues))
				for _, issue := range report.Consistency.Issues {
					fmt.Fprintf(out, "  - %s\n", issue)
				}
			}
			if len(report.Pending) > 0 {
				fmt.Fprintf(out, "Pending:  %d files from a previous run\n", len(report.Pending))
			}
			fmt.Fprintf(out, "System:   cpu %.1f%%, mem %.1f%% (%d MB), disk %.1f%%, %d goroutines\n",
				report.System.CPUPercent, report.System.MemoryPercent,
				report.System.MemoryUsedMB, report.System.DiskPercent,
				report.System.Goroutines)
			if report.System.FilesPerMinute > 0 {
				fmt.Fprintf(out, "Rate:     %.1f files/min, %.1f MB/min\n",
					report.System.FilesPerMinute, report.System.MBPerMinute)
			}
			if len(report.DocTypes) > 0 {
				fmt.Fprintln(out, "Documents by type:")
				for docType, n := range report.DocTypes {
					fmt.Fprintf(out, "  %-12s %d\n", docType, n)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit status as JSON")
	return cmd
}
