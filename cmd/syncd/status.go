package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/weaveboard/synckit/internal/engine"
	"github.com/weaveboard/synckit/internal/entity"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and breaker status",
	Long: `Display the mutation queue's diagnostics:

  - Pending mutations per entity kind
  - Capacity fill relative to the soft limit
  - Backpressure state and reason
  - Circuit breaker state`,
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

		d := eng.Queue.Diagnostics()
		fmt.Printf("Queue: %d pending (%.1f%% of soft capacity)\n", d.Size, d.CapacityPercent)

		kinds := make([]entity.Kind, 0, len(d.Breakdown))
		for k := range d.Breakdown {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i].Rank() < kinds[j].Rank() })
		for _, k := range kinds {
			fmt.Printf("  %-12s %d\n", k, d.Breakdown[k])
		}

		if d.Pressure.Active {
			fmt.Printf("Pressure: active (%s)\n", d.Pressure.Reason)
		} else {
			fmt.Printf("Pressure: none\n")
		}

		fmt.Printf("Breaker: %s", d.Breaker.State)
		if d.Breaker.ConsecutiveFailures > 0 {
			fmt.Printf(" (%d consecutive failures)", d.Breaker.ConsecutiveFailures)
		}
		fmt.Println()
	},
}
