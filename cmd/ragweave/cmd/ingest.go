package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ragweave/ragweave/internal/ingest"
	"github.com/ragweave/ragweave/internal/metadata"
)

func newIngestCmd() *cobra.Command {
	var (
		metaPairs []string
		patterns  []string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <path>...",
		Short: "Ingest files or directories into the index",
		Long: `Ingest runs each path through the verified pipeline: extraction,
chunking, embedding, and storage. Directories are walked recursively;
duplicates are skipped and changed files replace their old vectors.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			userMeta, err := parseMetaPairs(metaPairs)
			if err != nil {
				return err
			}

			var results []ingest.Result
			for _, path := range args {
				info, err := os.Stat(path)
				if err != nil {
					return fmt.Errorf("stat %s: %w", path, err)
				}
				if info.IsDir() {
					batch, err := app.engine.IngestDirectory(ctx, path, patterns)
					if err != nil {
						return err
					}
					results = append(results, batch...)
				} else {
					results = append(results, app.engine.IngestFile(ctx, path, userMeta))
				}
			}

			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(results)
			}
			printIngestResults(cmd, results)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&metaPairs, "meta", nil, "Metadata to attach to file arguments, as key=value (repeatable)")
	cmd.Flags().StringSliceVar(&patterns, "patterns", nil, "Restrict directory walks to matching globs (e.g. *.md)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit results as JSON")
	return cmd
}

func parseMetaPairs(pairs []string) (metadata.Record, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	rec := metadata.Record{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --meta %q, want key=value", pair)
		}
		rec[key] = value
	}
	return rec, nil
}

func printIngestResults(cmd *cobra.Command, results []ingest.Result) {
	out := cmd.OutOrStdout()
	counts := map[string]int{}
	for _, r := range results {
		counts[r.Status]++
		switch r.Status {
		case ingest.StatusSuccess:
			verb := "ingested"
			if r.IsUpdate {
				verb = "updated"
			}
			fmt.Fprintf(out, "%s %s (%d chunks, %d vectors)\n", verb, r.Path, r.ChunksCreated, r.VectorsStored)
		case ingest.StatusSkipped:
			fmt.Fprintf(out, "skipped %s (%s)\n", r.Path, r.Reason)
		case ingest.StatusFailed:
			fmt.Fprintf(out, "failed %s: %v\n", r.Path, r.Err)
		}
		for _, w := range r.Warnings {
			fmt.Fprintf(out, "  warning: %s\n", w)
		}
	}
	fmt.Fprintf(out, "\n%d succeeded, %d skipped, %d failed\n",
		counts[ingest.StatusSuccess], counts[ingest.StatusSkipped], counts[ingest.StatusFailed])
}
