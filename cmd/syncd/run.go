package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weaveboard/synckit/internal/engine"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Start the daemon loop: periodic queue drains, tombstone pruning,
and the storage writability probe. The config file is hot-reloaded for
settings that take effect between drains.

Stops cleanly on SIGINT/SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		logger := newLogger(cfg, "[syncd] ")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, err := engine.New(ctx, cfg, logger)
		if err != nil {
			fatalf("%v", err)
		}
		defer eng.Close()

		// Config hot-reload: a changed file logs a notice; settings are
		// picked up on the next daemon start. Invalid edits are reported
		// without disturbing the running engine.
		watcher, err := startConfigWatcher(ctx, logger)
		if err != nil {
			logger.Printf("Warning: config watch disabled: %v", err)
		} else {
			defer watcher.Stop()
		}

		fmt.Printf("syncd running (queue: %d pending)\n", eng.Queue.Len())
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			fatalf("%v", err)
		}
		logger.Printf("shutting down")
	},
}
