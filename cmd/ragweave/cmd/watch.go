package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ragweave/ragweave/internal/config"
	"github.com/ragweave/ragweave/internal/events"
	"github.com/ragweave/ragweave/internal/watcher"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Watch a directory and ingest changes as they happen",
		Long: `Watch monitors a directory with filesystem notifications, falling back
to polling where notifications are unavailable. New and changed files
are ingested, deleted files are removed from the index. Runs until
interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			unsub := app.bus.SubscribeAll(func(e events.Event) {
				app.logger.Info("pipeline event",
					slog.String("type", string(e.Type)),
					slog.Any("data", e.Data))
			})
			defer unsub()

			mon, err := newDirMonitor(app)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "watching %s (ctrl-c to stop)\n", args[0])
			if err := mon.Run(ctx, args[0]); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	return cmd
}

// newDirMonitor builds a hybrid watcher plus monitor from the configured
// watcher settings.
func newDirMonitor(a *app) (*watcher.Monitor, error) {
	w, err := watcher.NewHybridWatcher(watcher.Options{
		DebounceWindow: config.Duration(a.cfg.Watcher.Debounce, 0),
		PollInterval:   config.Duration(a.cfg.Watcher.PollInterval, 0),
		Include:        a.cfg.Watcher.Include,
		Exclude:        a.cfg.Watcher.Exclude,
	})
	if err != nil {
		return nil, err
	}
	return watcher.NewMonitor(watcher.MonitorOptions{
		Engine:        a.engine,
		Watcher:       w,
		Bus:           a.bus,
		Logger:        a.logger,
		MaxConcurrent: a.cfg.Watcher.MaxConcurrent,
		Include:       a.cfg.Watcher.Include,
	}), nil
}
