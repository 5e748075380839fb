package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	var (
		threadID string
		message  string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Hold a conversation over the indexed documents",
		Long: `Chat starts an interactive session. Each thread is checkpointed, so
reusing --thread resumes where the conversation left off. With
--message a single turn runs non-interactively.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			graph, store, err := app.chatGraph()
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if threadID == "" {
				threadID = uuid.NewString()
			}

			if message != "" {
				turn, err := graph.Converse(ctx, threadID, message)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, turn.Response)
				return nil
			}

			fmt.Fprintf(out, "Thread %s. Type a question, or \"bye\" to end.\n", threadID)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					break
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				turn, err := graph.Converse(ctx, threadID, line)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
					continue
				}
				fmt.Fprintln(out, turn.Response)
				for _, s := range turn.Suggestions {
					fmt.Fprintf(out, "  try: %s\n", s)
				}
				if turn.Ended {
					return nil
				}
			}
			return scanner.Err()
		},
	}

	cmd.Flags().StringVar(&threadID, "thread", "", "Thread ID to start or resume (default: a new random ID)")
	cmd.Flags().StringVar(&message, "message", "", "Run a single turn with this message and exit")
	return cmd
}
