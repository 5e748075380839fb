package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ragweave/ragweave/internal/config"
)

func newServeCmd() *cobra.Command {
	var dirs []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion daemon over the configured watch directories",
		Long: `Serve watches every configured directory, ingests changes as they
happen, and snapshots the index at the configured save interval.
Directories come from daemon.watch_dirs in the config file, the
RAGWEAVE_WATCH_DIRS environment variable, or --dir flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			watchDirs := app.cfg.Daemon.WatchDirs
			if len(dirs) > 0 {
				watchDirs = dirs
			}
			if len(watchDirs) == 0 {
				return fmt.Errorf("no watch directories configured; set daemon.watch_dirs or pass --dir")
			}

			saveEvery := config.Duration(app.cfg.Daemon.SaveInterval, 5*time.Minute)
			shutdown := config.Duration(app.cfg.Daemon.ShutdownTimeout, 10*time.Second)

			g, gctx := errgroup.WithContext(ctx)
			for _, dir := range watchDirs {
				mon, err := newDirMonitor(app)
				if err != nil {
					return err
				}
				dir := dir
				g.Go(func() error {
					err := mon.Run(gctx, dir)
					if gctx.Err() != nil {
						return nil
					}
					return err
				})
			}
			g.Go(func() error {
				ticker := time.NewTicker(saveEvery)
				defer ticker.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-ticker.C:
						if err := app.index.Save(); err != nil {
							app.logger.Warn("periodic index save failed",
								slog.String("error", err.Error()))
						}
					}
				}
			})

			app.logger.Info("daemon started",
				slog.Int("dirs", len(watchDirs)),
				slog.Duration("save_interval", saveEvery))
			fmt.Fprintf(cmd.OutOrStdout(), "serving %d watch directories (ctrl-c to stop)\n", len(watchDirs))

			done := make(chan error, 1)
			go func() { done <- g.Wait() }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
			}

			// Give in-flight ingestions a bounded window to drain.
			select {
			case err := <-done:
				return err
			case <-time.After(shutdown):
				app.logger.Warn("shutdown timeout exceeded, exiting",
					slog.Duration("timeout", shutdown))
				return nil
			}
		},
	}

	cmd.Flags().StringSliceVar(&dirs, "dir", nil, "Directory to watch (repeatable, overrides config)")
	return cmd
}
