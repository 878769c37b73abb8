package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending changes and partition cursors",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		ctx := cmd.Context()

		pending, err := eng.queue.Len(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Pending changes: %d\n", pending)

		for _, partitionID := range eng.cfg.Partitions {
			cursors, err := eng.store.Cursors(ctx, partitionID)
			if err != nil {
				return err
			}
			if len(cursors) == 0 {
				fmt.Printf("Partition %s: never synced\n", partitionID)
				continue
			}
			fmt.Printf("Partition %s:\n", partitionID)
			for collection, ts := range cursors {
				fmt.Printf("  %-12s synced to %s\n", collection,
					time.UnixMilli(ts).UTC().Format(time.RFC3339))
			}
		}
		return nil
	},
}
