package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/weaveboard/synckit/internal/engine"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Drain the mutation queue once",
	Long: `Run one ProcessQueue pass and report the result.

Useful after coming back online, or to verify connectivity: an open
circuit breaker skips the drain and says so.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		logger := newLogger(cfg, "[syncd] ")

		ctx := context.Background()
		eng, err := engine.New(ctx, cfg, logger)
		if err != nil {
			fatalf("%v", err)
		}
		defer eng.Close()

		before := eng.Queue.Len()
		if before == 0 {
			fmt.Println("Queue is empty, nothing to drain")
			return
		}

		fmt.Printf("Draining %d pending mutations...\n", before)
		start := time.Now()
		if err := eng.Queue.ProcessQueue(ctx); err != nil {
			fatalf("drain failed: %v", err)
		}
		after := eng.Queue.Len()

		fmt.Printf("Drained %d of %d in %v (%d remain)\n",
			before-after, before, time.Since(start).Round(time.Millisecond), after)
		if bs := eng.Queue.BreakerState(); bs.State != "closed" {
			fmt.Printf("Breaker is %s; remaining items will retry after the cooldown\n", bs.State)
		}
	},
}
