package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/fragmenta"
	"github.com/aretw0/fragmenta/pkg/adapters/fs"
	eventsource "github.com/aretw0/fragmenta/pkg/adapters/lifecycle"
	"github.com/aretw0/fragmenta/pkg/core"
)

var (
	watchDir     string
	watchPattern string
	watchSettle  time.Duration
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Publish files dropped into a spool directory",
	Long: `Watch a spool directory and append every file matching --pattern as a member.
Published files move to processed/, rejected ones to failed/. Engine events
(bucket opened or closed, member appended) are logged until interrupted.

The directory defaults to spool.dir in fragmenta.yaml, then <data dir>/inbox
for the fs adapter.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		events := make(chan core.Event, 64)
		sf, backend, engine, err := openStream(ctx, fragmenta.WithEvents(events))
		if err != nil {
			fatal("Failed to open stream", err)
		}
		defer backend.Close()

		cfg := fs.SpoolConfig{
			Dir:     watchDir,
			Pattern: watchPattern,
			Settle:  watchSettle,
			Logger:  slog.Default(),
			ErrorHandler: func(err error) {
				slog.Error("spool error", "error", err)
			},
		}
		if cfg.Dir == "" {
			cfg.Dir = sf.SpoolDir()
		}
		if cfg.Pattern == "" {
			cfg.Pattern = sf.Spool.Pattern
		}
		if cfg.Settle == 0 {
			cfg.Settle = sf.Spool.Settle
		}

		var watcher *fs.SpoolWatcher
		if repo, ok := backend.Adapter.(*fs.Repository); ok {
			watcher = repo.NewSpoolWatcher(engine, cfg)
		} else {
			watcher = fs.NewSpoolWatcher(engine, cfg)
		}

		source := eventsource.NewSource(events, eventsource.WithLogger(slog.Default()))
		if err := source.Start(ctx); err != nil {
			fatal("Failed to start event source", err)
		}
		if err := watcher.Start(ctx); err != nil {
			fatal("Failed to start spool watcher", err)
		}
		slog.Info("watching spool", "stream", sf.Stream, "adapter", backend.Name)

		for e := range source.Events() {
			slog.Info("stream event", "event", e.String())
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := watcher.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("spool watcher stopped with error", "error", err)
		}

		appended, failed := watcher.Counts()
		fmt.Fprintf(cmd.OutOrStdout(), "Stopped: %d appended, %d failed.\n", appended, failed)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchDir, "dir", "", "Spool directory to watch")
	watchCmd.Flags().StringVar(&watchPattern, "pattern", "", `Doublestar pattern of member files (default "**/*.json")`)
	watchCmd.Flags().DurationVar(&watchSettle, "settle", 0, "Quiet period before a written file is published (default 50ms)")
}
