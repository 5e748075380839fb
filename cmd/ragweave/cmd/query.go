package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ragweave/ragweave/internal/query"
)

func newQueryCmd() *cobra.Command {
	var (
		asJSON  bool
		concise bool
	)

	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask a single question over the indexed documents",
		Long: `Query retrieves the most relevant passages for a question and
synthesizes an answer from them. Structured questions such as
"list all documents with status open" or "how many incidents"
are answered against the metadata filters directly.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			ans, err := app.queries.Answer(ctx, query.Request{
				Query:   strings.Join(args, " "),
				Concise: concise,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(ans)
			}
			fmt.Fprintln(out, ans.Text)
			if len(ans.Sources) > 0 {
				fmt.Fprintln(out, "\nSources:")
				for _, s := range ans.Sources {
					fmt.Fprintf(out, "  %s (%.2f)\n", s.DocPath, s.Score)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the answer as JSON")
	cmd.Flags().BoolVar(&concise, "concise", false, "Ask for a short answer")
	return cmd
}
