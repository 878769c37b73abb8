package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one outgoing and one incoming pass now",
	Long: `Run a single synchronization cycle and exit.

This drains the pending-changes queue against the remote store, then
pulls the remote journal for every configured partition. Safe to run
while a daemon is not running; pending work and cursors persist in the
local database between invocations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		before, err := eng.queue.Len(cmd.Context())
		if err != nil {
			return err
		}

		start := time.Now()
		syncErr := eng.orch.SyncNow(cmd.Context(), eng.cfg.Partitions)

		after, lenErr := eng.queue.Len(cmd.Context())
		if lenErr == nil {
			fmt.Printf("Dispatched %d of %d pending changes in %v\n",
				before-after, before, time.Since(start).Round(time.Millisecond))
		}
		return syncErr
	},
}
